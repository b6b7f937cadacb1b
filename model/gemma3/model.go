// Modul: model.go
// Beschreibung: Gemma-3 Modell-Definition und Initialisierung - das
// Sandwich-Norm-Decoder-Modell aus spec.md 4.4, aufgebaut nach dem
// Vorbild von deepseek2/model.go (Register/New/Forward/Shift), aber
// ohne dessen BytePairEncoding-Einbettung: Tokenisierung liegt
// ausserhalb dieses Pakets, die Engine reicht nur Token-IDs herein.
package gemma3

import (
	"cmp"
	"math"

	"github.com/clocksmith/doppler/fs/ggml"
	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/ml/nn"
	"github.com/clocksmith/doppler/ml/nn/rope"
	"github.com/clocksmith/doppler/model"
	"github.com/clocksmith/doppler/model/input"
)

// Model ist das vollstaendige Gemma-3 Text-Modell.
type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
	Layers         []TextLayer   `gguf:"blk"`

	OutputNorm *nn.RMSNorm `gguf:"output_norm"`
	Output     *nn.Linear  `gguf:"output,alt:token_embd"`

	*Options
}

// New erstellt ein neues Gemma-3-Modell aus den GGUF-Metadaten. Die
// Signatur folgt model.go's models map (func(ggml.KV) (Model, error)),
// nicht dem Teacher-eigenen fs.Config - dieses Paket liest seine Werte
// direkt ueber ggml.KV's Getter.
func New(kv ggml.KV) (model.Model, error) {
	hiddenLayers := int(kv.BlockCount())
	layers := make([]TextLayer, hiddenLayers)

	numExperts := int(kv.Uint("expert_count"))
	numExpertsUsed := int(kv.Uint("expert_used_count"))
	ffnTypes := kv.Strings("ffn_type")

	for i := range layers {
		if i < len(ffnTypes) && ffnTypes[i] == "moe" {
			layers[i].FFN = &nn.FFN{TopK: numExpertsUsed}
		} else {
			layers[i].FFN = &nn.FFN{}
		}
	}

	keyLength := int(kv.Uint("attention.key_length"))
	valueLength := int(kv.Uint("attention.value_length"))
	hiddenSize := int(kv.EmbeddingLength())
	numHeads := int(kv.HeadCountMax())

	opts := &Options{
		hiddenLayers:         hiddenLayers,
		hiddenSize:           hiddenSize,
		numHeads:             numHeads,
		numKVHeads:           int(kv.HeadCountKVMax()),
		headDim:              int(cmp.Or(keyLength, valueLength, hiddenSize/max(numHeads, 1))),
		eps:                  kv.Float("attention.layer_norm_rms_epsilon", 1e-6),
		ropeBase:             kv.Float("rope.freq_base", 10000),
		ropeBaseLocal:        kv.Float("rope.local_freq_base", 10000),
		slidingWindow:        int32(kv.Uint("attention.sliding_window")),
		slidingWindowPattern: kv.Bools("attention.sliding_window_pattern"),
		numExperts:           numExperts,
		numExpertsUsed:       numExpertsUsed,
	}

	m := Model{
		TokenEmbedding: &nn.Embedding{},
		Layers:         layers,
		Options:        opts,
	}

	m.Cache = newLayerCache(m.Shift, opts)
	return &m, nil
}

// Shift wendet RoPE erneut auf key an, nachdem der Cache dessen
// Positionen verschoben hat (Kontext-Truncation, Praefix-Eviction);
// siehe kvcache/sequence_ops.go's shift und deepseek2/model.go's
// gleichnamige Methode.
func (m Model) Shift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	ropeBase := m.ropeBaseFor(layer)
	return nn.RoPE(ctx, key, shift, m.headDim, ropeBase, rope.WithTypeNeoX()), nil
}

// Forward fuehrt den vollstaendigen Vorwaertsdurchlauf durch: Token-
// Embedding, jeden Sandwich-Norm-Layer, Output-Norm, Output-Projektion.
func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	positions := ctx.Input().FromInts(batch.Positions, len(batch.Positions))

	hiddenStates := m.TokenEmbedding.Forward(ctx, batch.Inputs)
	// Gemma skaliert die Token-Einbettung mit sqrt(hiddenSize), damit die
	// Aktivierungsgroessenordnung zu den ungewoehnlich kleinen Norm-
	// Gewichten des (1+w)-Offsets passt.
	hiddenStates = hiddenStates.Scale(ctx, float32(math.Sqrt(float64(m.hiddenSize))))

	for i := range m.Layers {
		m.Cache.SetLayer(i)

		var outputs ml.Tensor
		if i == len(m.Layers)-1 {
			outputs = batch.Outputs
		}

		hiddenStates = m.Layers[i].Forward(ctx, hiddenStates, positions, outputs, m.Cache, m.ropeBaseFor(i), m.Options)
	}

	hiddenStates = m.OutputNorm.Forward(ctx, hiddenStates, m.eps)
	return m.Output.Forward(ctx, hiddenStates), nil
}

func init() {
	model.Register("gemma3", New)
}
