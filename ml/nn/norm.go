package nn

import "github.com/clocksmith/doppler/ml"

// RMSNorm holds a single norm-weight tensor. Gemma's "(1+w)" offset is
// applied once by the loader (fs/ggml's applyNormOffset, gated on
// needsNormOffset) when the tensor is staged into the catalog, never
// here — RMSNorm.Forward always multiplies by the weight as loaded, so
// the same wrapper serves both Gemma's offset convention and a plain
// RMSNorm architecture without a flag.
type RMSNorm struct {
	Weight ml.Tensor `gguf:"weight"`
}

func (m *RMSNorm) Forward(ctx ml.Context, x ml.Tensor, eps float32) ml.Tensor {
	return x.RMSNorm(ctx, m.Weight, eps)
}
