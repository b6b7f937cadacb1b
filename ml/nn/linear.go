// Package nn collects the small per-weight wrapper types a model
// package populates via gguf struct tags (see model.populateFields) and
// whose Forward methods compose the kernel-level ml.Tensor operations
// into the named neural-net building blocks (linear projection, RMS
// norm, embedding lookup, scaled-dot-product attention) every decoder
// layer in model/gemma3 is built from. Each type here mirrors one of
// the teacher's ml/nn wrapper types.
package nn

import "github.com/clocksmith/doppler/ml"

// Linear is a weight matrix and optional bias populated from a single
// gguf tensor pair ("<name>.weight" via its own gguf tag on the field,
// "<name>.bias" via the Bias field's own tag on the embedding struct).
type Linear struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

// Forward computes x @ Weight and adds Bias if the model declared one.
// Weight is staged by the loader with its output-feature axis last, so
// the quantized MatMul path (DTypeQ4K) is taken automatically for
// row-wise Q4_K weights without the caller knowing the dtype.
func (m *Linear) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if m == nil || m.Weight == nil {
		return x
	}
	out := x.MatMul(ctx, m.Weight)
	if m.Bias != nil {
		out = out.Add(ctx, m.Bias)
	}
	return out
}
