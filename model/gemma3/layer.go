// Modul: layer.go
// Beschreibung: Ein Decoder-Layer in Gemma-3's Sandwich-Norm-Anordnung:
// vor UND nach sowohl dem Attention- als auch dem FFN-Block sitzt ein
// RMSNorm, statt nur davor (siehe spec.md 4.4's Pseudocode). Nicht-
// Sandwich-Architekturen liessen PostAttentionNorm/PostFFNNorm aus; das
// betrifft dieses Paket nicht, das ausschliesslich die Sandwich-Variante
// unter der Architektur "gemma3" registriert.
package gemma3

import (
	"github.com/clocksmith/doppler/kvcache"
	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/ml/nn"
)

type TextLayer struct {
	AttentionNorm     *nn.RMSNorm `gguf:"attn_norm"`
	Attention         *TextAttention
	PostAttentionNorm *nn.RMSNorm `gguf:"post_attention_norm"`

	FFNNorm     *nn.RMSNorm `gguf:"ffn_norm"`
	FFN         *nn.FFN
	PostFFNNorm *nn.RMSNorm `gguf:"post_ffw_norm"`
}

func (d *TextLayer) Forward(ctx ml.Context, hiddenStates, positions, outputs ml.Tensor, cache kvcache.Cache, ropeBase float32, opts *Options) ml.Tensor {
	residual := hiddenStates

	hiddenStates = d.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = d.Attention.Forward(ctx, hiddenStates, positions, cache, ropeBase, opts)
	hiddenStates = d.PostAttentionNorm.Forward(ctx, hiddenStates, opts.eps)

	if outputs != nil {
		hiddenStates = hiddenStates.Rows(ctx, outputs)
		residual = residual.Rows(ctx, outputs)
	}

	hiddenStates = residual.Add(ctx, hiddenStates)
	residual = hiddenStates

	hiddenStates = d.FFNNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = d.FFN.Forward(ctx, hiddenStates)
	hiddenStates = d.PostFFNNorm.Forward(ctx, hiddenStates, opts.eps)

	return residual.Add(ctx, hiddenStates)
}
