// Package ml - Tensor-Operationen
//
// Jede Operation hier validiert Formen, legt einen Ausgabe-Tensor an
// und delegiert die eigentliche Berechnung an das kernel-Paket, das
// die Dispatches gegen den aktiven device.CommandEncoder des Context
// aufzeichnet.
package ml

import (
	gocontext "context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/clocksmith/doppler/kernel"
)

func (t *tensorImpl) requireContiguous(ctx Context) *tensorImpl {
	if t.isContiguous() {
		return t
	}
	return t.Contiguous(ctx).(*tensorImpl)
}

func (t *tensorImpl) Add(ctx Context, bT Tensor) Tensor {
	b := bT.(*tensorImpl)
	if t.elements() != b.elements() {
		panic(fmt.Sprintf("ml: Add shape mismatch: %v vs %v", t.shape, b.shape))
	}
	a := t.requireContiguous(ctx)
	bb := b.requireContiguous(ctx)
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordAdd(t.be.dev, enc, a.buf, bb.buf, out.buf, t.elements()); err != nil {
		panic(fmt.Sprintf("ml: Add: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) Mul(ctx Context, bT Tensor) Tensor {
	b := bT.(*tensorImpl)
	a := t.requireContiguous(ctx)
	bb := b.requireContiguous(ctx)
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordMul(t.be.dev, enc, a.buf, bb.buf, out.buf, t.elements()); err != nil {
		panic(fmt.Sprintf("ml: Mul: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) Scale(ctx Context, s float32) Tensor {
	a := t.requireContiguous(ctx)
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordScale(t.be.dev, enc, a.buf, out.buf, t.elements(), s); err != nil {
		panic(fmt.Sprintf("ml: Scale: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) SiLU(ctx Context) Tensor {
	a := t.requireContiguous(ctx)
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordSiLU(t.be.dev, enc, a.buf, out.buf, t.elements()); err != nil {
		panic(fmt.Sprintf("ml: SiLU: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

// MatMul computes, per ggml's ne[0]-fastest convention (see ml.Shape),
// t @ b where both operands share their dim-0 extent k (the contracted
// axis): t is (k, m) with m the flattened product of its remaining
// dims, b is (k, n). b's dtype selects the fused kernel path: DTypeQ4K
// weights never get dequantized to f32 first.
func (t *tensorImpl) MatMul(ctx Context, bT Tensor) Tensor {
	b := bT.(*tensorImpl)
	k := t.shape[0]
	n := b.Dim(1)
	m := 1
	for _, d := range t.shape[1:] {
		m *= d
	}

	a := t.requireContiguous(ctx)
	enc := ctx.(*ctxImpl).encoder
	outShape := append(Shape{n}, t.shape[1:]...)
	out := t.be.allocTensor(ctx, DTypeF32, outShape).(*tensorImpl)

	var err error
	if b.dtype == DTypeQ4K {
		err = kernel.RecordMatMulQ4KRowwise(t.be.dev, enc, a.buf, b.buf, out.buf, m, k, n)
	} else {
		bb := b.requireContiguous(ctx)
		err = kernel.RecordMatMulF32(t.be.dev, enc, a.buf, bb.buf, out.buf, m, k, n)
	}
	if err != nil {
		panic(fmt.Sprintf("ml: MatMul: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) RMSNorm(ctx Context, weightT Tensor, eps float32) Tensor {
	weight := weightT.(*tensorImpl)
	a := t.requireContiguous(ctx)
	// dim 0 is the fastest-varying axis (ggml ne[0] convention, see
	// ml.Shape) and is always the normalized feature dimension; every
	// other axis collapses into rowCount.
	rowSize := t.shape[0]
	rowCount := t.elements() / rowSize
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordRMSNorm(t.be.dev, enc, a.buf, weight.buf, out.buf, rowSize, rowCount, eps); err != nil {
		panic(fmt.Sprintf("ml: RMSNorm: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) Softmax(ctx Context) Tensor {
	a := t.requireContiguous(ctx)
	inner := t.shape[0]
	outer := t.elements() / inner
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordSoftmax(t.be.dev, enc, a.buf, out.buf, inner, outer, 1.0); err != nil {
		panic(fmt.Sprintf("ml: Softmax: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) RoPE(ctx Context, positionsT Tensor, dim int, base float32) Tensor {
	positions := positionsT.(*tensorImpl)
	a := t.requireContiguous(ctx)
	// Shape is (headDim, numHeads, seqLen, ...): headDim at dim 0, the
	// fastest-varying axis, matches how the rope shader walks memory
	// (t*numHeads+h)*headDim+i — headDim contiguous within a head.
	headDim := t.shape[0]
	numHeads := t.Dim(1)
	seqLen := positions.elements()
	out := t.be.allocTensor(ctx, DTypeF32, t.shape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordRoPE(t.be.dev, enc, a.buf, positions.buf, out.buf, headDim, numHeads, seqLen, base); err != nil {
		panic(fmt.Sprintf("ml: RoPE: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) Rows(ctx Context, idxT Tensor) Tensor {
	idx := idxT.(*tensorImpl)
	// rowSize is dim 0 (fastest-varying): for a (hidden, vocab) weight
	// table this is the embedding width, matching the gather kernel's
	// contiguous table[row*rowSize:(row+1)*rowSize] read. The gathered
	// output keeps the same convention: rowSize stays dim 0.
	rowSize := t.shape[0]
	numIdx := idx.elements()
	outShape := Shape{rowSize, numIdx}
	out := t.be.allocTensor(ctx, t.dtype, outShape).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordRows(t.be.dev, enc, t.buf, idx.buf, out.buf, rowSize, numIdx); err != nil {
		panic(fmt.Sprintf("ml: Rows: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return out
}

func (t *tensorImpl) SetRows(ctx Context, srcT Tensor, idxT Tensor) Tensor {
	src := srcT.(*tensorImpl)
	idx := idxT.(*tensorImpl)
	rowSize := src.shape[0]
	numIdx := idx.elements()
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordSetRows(t.be.dev, enc, src.buf, idx.buf, t.buf, rowSize, numIdx); err != nil {
		panic(fmt.Sprintf("ml: SetRows: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return t
}

// Cast is a no-op placeholder for same-dtype requests and panics for
// cross-dtype casts this build does not yet implement a kernel for;
// the layer driver only ever casts the causal mask to the backend's
// configured MaskDType, which in this build is always DTypeF32.
func (t *tensorImpl) Cast(ctx Context, dtype DType) Tensor {
	if dtype == t.dtype {
		return t
	}
	panic(fmt.Sprintf("ml: Cast from %v to %v has no kernel implementation in this build", t.dtype, dtype))
}

func (t *tensorImpl) Copy(ctx Context, dstT Tensor) Tensor {
	dst := dstT.(*tensorImpl)
	src := t.requireContiguous(ctx)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordScatterCopy(t.be.dev, enc, src.buf, dst.buf, uint64(dst.off), []int(dst.shape), dst.stride); err != nil {
		panic(fmt.Sprintf("ml: Copy: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return dst
}

func (t *tensorImpl) MoERoute(ctx Context, topK int) (Tensor, Tensor) {
	a := t.requireContiguous(ctx)
	// logits is (numExperts, numTokens): numExperts at dim 0 matches the
	// router matmul's output convention (see MatMul) and the routing
	// shader's base := t*numExperts contiguous read per token. The
	// weights/indices outputs follow the same convention: topK at dim 0
	// so ml/nn.FFN's weights[tok*topK+k] host-side indexing lines up
	// with the buffer's actual byte layout.
	numExperts := t.shape[0]
	numTokens := t.elements() / numExperts
	weights := t.be.allocTensor(ctx, DTypeF32, Shape{topK, numTokens}).(*tensorImpl)
	indices := t.be.allocTensor(ctx, DTypeI32, Shape{topK, numTokens}).(*tensorImpl)
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordMoERoute(t.be.dev, enc, a.buf, weights.buf, indices.buf, numExperts, topK, numTokens); err != nil {
		panic(fmt.Sprintf("ml: MoERoute: %v", err))
	}
	ctx.(*ctxImpl).flush()
	return weights, indices
}

func (t *tensorImpl) Floats(ctx Context) []float32 {
	a := t.requireContiguous(ctx)
	raw, err := a.buf.ReadBack(gocontext.Background())
	if err != nil {
		panic(fmt.Sprintf("ml: Floats: %v", err))
	}
	raw = raw[a.off : a.off+a.Bytes()]
	out := make([]float32, a.elements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return out
}

func (t *tensorImpl) Ints(ctx Context) []int32 {
	a := t.requireContiguous(ctx)
	raw, err := a.buf.ReadBack(gocontext.Background())
	if err != nil {
		panic(fmt.Sprintf("ml: Ints: %v", err))
	}
	raw = raw[a.off : a.off+a.Bytes()]
	out := make([]int32, a.elements())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return out
}

func recordContiguousCopy(ctx Context, src, dst *tensorImpl) {
	enc := ctx.(*ctxImpl).encoder
	if err := kernel.RecordContiguousCopy(src.be.dev, enc, src.buf, dst.buf, uint64(src.off), []int(src.shape), src.stride); err != nil {
		panic(fmt.Sprintf("ml: Contiguous: %v", err))
	}
	ctx.(*ctxImpl).flush()
}
