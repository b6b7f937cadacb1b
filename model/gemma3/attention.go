// Modul: attention.go
// Beschreibung: Attention-Mechanismus des Gemma-3 Sandwich-Norm-Layers
package gemma3

import (
	"math"

	"github.com/clocksmith/doppler/kvcache"
	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/ml/nn"
	"github.com/clocksmith/doppler/ml/nn/rope"
)

// TextAttention implementiert Gemma-3's Attention-Block: anders als ein
// gewoehnlicher GQA-Block normalisiert Gemma-3 Query und Key je Kopf
// (QueryNorm/KeyNorm), bevor RoPE angewendet wird - siehe spec.md 4.4's
// Pseudocode und gemma3n/text_attention.go's aequivalenter Aufbau (hier
// ohne dessen AltUp/Laurel-Zusatzmechanik, die ausserhalb des Sandwich-
// Norm-Kerns liegt).
type TextAttention struct {
	Query     *nn.Linear  `gguf:"attn_q"`
	QueryNorm *nn.RMSNorm `gguf:"attn_q_norm"`
	Key       *nn.Linear  `gguf:"attn_k"`
	KeyNorm   *nn.RMSNorm `gguf:"attn_k_norm"`
	Value     *nn.Linear  `gguf:"attn_v"`
	Output    *nn.Linear  `gguf:"attn_output"`
}

func (attn *TextAttention) Forward(ctx ml.Context, hiddenStates, positions ml.Tensor, cache kvcache.Cache, ropeBase float32, opts *Options) ml.Tensor {
	batchSize := hiddenStates.Dim(1)
	headDim := opts.headDim

	query := attn.Query.Forward(ctx, hiddenStates)
	query = query.Reshape(ctx, headDim, opts.numHeads, batchSize)
	query = attn.QueryNorm.Forward(ctx, query, opts.eps)
	query = nn.RoPE(ctx, query, positions, headDim, ropeBase, rope.WithTypeNeoX())

	key := attn.Key.Forward(ctx, hiddenStates)
	key = key.Reshape(ctx, headDim, opts.numKVHeads, batchSize)
	key = attn.KeyNorm.Forward(ctx, key, opts.eps)
	key = nn.RoPE(ctx, key, positions, headDim, ropeBase, rope.WithTypeNeoX())

	value := attn.Value.Forward(ctx, hiddenStates)
	value = value.Reshape(ctx, headDim, opts.numKVHeads, batchSize)

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	attention := nn.Attention(ctx, query, key, value, scale, cache)
	attention = attention.Reshape(ctx, attention.Dim(0)*attention.Dim(1), batchSize)

	return attn.Output.Forward(ctx, attention)
}
