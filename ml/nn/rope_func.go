package nn

import (
	"fmt"

	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/ml/nn/rope"
)

// RoPE applies a rotary position embedding to t's dim 0 (the per-head
// dim, fastest-varying), reading one position per entry of the seqLen axis from
// positions. base is the architecture's rope.freq_base (or
// rope.freq_base_local for a sliding-window layer); callers fold any
// linear frequency scaling into base themselves, since this build's
// kernel takes a single base and no separate scale factor.
func RoPE(ctx ml.Context, t, positions ml.Tensor, dim int, base float32, opts ...rope.Option) ml.Tensor {
	o := rope.Apply(opts...)
	if o.Type != rope.TypeNeoX {
		panic(fmt.Sprintf("nn: RoPE: rotation type %v has no kernel in this build (only NeoX split is implemented)", o.Type))
	}
	return t.RoPE(ctx, positions, dim, base)
}
