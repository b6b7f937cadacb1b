package nn

import "github.com/clocksmith/doppler/ml"

// FFN is one feed-forward block: a plain SwiGLU MLP when Router is
// nil, or a routed mixture of experts otherwise. A model declares
// which variant a layer uses via the manifest's per-layer ffn_type, so
// a single stack can mix dense and MoE layers (model/gemma3 dispatches
// on that field; FFN itself just implements whichever shape it was
// populated with), grounded on the pack's deepseek2/glm4moelite models
// mixing dense and routed FFNs in the same stack.
type FFN struct {
	// Dense weights. Populated when this layer has no experts.
	Gate *Linear `gguf:"ffn_gate"`
	Up   *Linear `gguf:"ffn_up"`
	Down *Linear `gguf:"ffn_down"`

	// Router and per-expert weight banks. Populated when this layer is
	// routed; Experts holds one dense FFN per expert, sliced by the
	// loader from the stacked ffn_*_exps tensors.
	Router  *Linear `gguf:"ffn_gate_inp"`
	Experts []FFN   `gguf:"ffn_exps"`
	TopK    int
}

func (f *FFN) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if f.Router == nil {
		return f.forwardDense(ctx, x)
	}
	return f.forwardMoE(ctx, x)
}

func (f *FFN) forwardDense(ctx ml.Context, x ml.Tensor) ml.Tensor {
	gate := f.Gate.Forward(ctx, x).SiLU(ctx)
	up := f.Up.Forward(ctx, x)
	return f.Down.Forward(ctx, gate.Mul(ctx, up))
}

// forwardMoE routes each token to its top-K experts and sums their
// (weighted) contributions. The reference device's MoE kernel
// (kernel.RecordMoERoute) only computes the routing decision; which
// expert a token actually visits is a per-token Go-level branch, so the
// indices and weights it produced are read back to the host here and
// every (token, slot) pair is dispatched to its expert individually —
// x is (hiddenDim, numTokens).
func (f *FFN) forwardMoE(ctx ml.Context, x ml.Tensor) ml.Tensor {
	hiddenDim := x.Dim(0)
	numTokens := x.Dim(1)
	logits := f.Router.Forward(ctx, x)
	weightT, indexT := logits.MoERoute(ctx, f.TopK)
	weights := weightT.Floats(ctx)
	indices := indexT.Ints(ctx)

	out := ctx.Zeros(x.DType(), hiddenDim, numTokens)
	for tok := 0; tok < numTokens; tok++ {
		row := x.View(ctx, tok*x.Stride(1), hiddenDim, x.Stride(0))

		var sum ml.Tensor
		for k := 0; k < f.TopK; k++ {
			expert := int(indices[tok*f.TopK+k])
			weight := weights[tok*f.TopK+k]

			contribution := f.Experts[expert].forwardDense(ctx, row).Scale(ctx, weight)
			if sum == nil {
				sum = contribution
			} else {
				sum = sum.Add(ctx, contribution)
			}
		}

		dst := out.View(ctx, tok*out.Stride(1), hiddenDim, out.Stride(0))
		sum.Copy(ctx, dst)
	}
	return out
}
