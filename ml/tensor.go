// Package ml - Tensor-Interface und die Standard-Implementierung
//
// Tensor kapselt eine device.Buffer zusammen mit Form (Shape) und
// Stride-Information. Jede Operation, die tatsaechlich Daten bewegt
// (MatMul, RMSNorm, Softmax, RoPE, ...), haengt ein device.Dispatch an
// den aktiven CommandEncoder des Context an; reine Sichtenoperationen
// (View, Reshape, Permute) veraendern nur Shape/Stride und teilen den
// zugrundeliegenden Buffer.
package ml

import (
	"fmt"

	"github.com/clocksmith/doppler/device"
)

// Tensor ist die Schnittstelle, die kvcache und die Layer-Treiber
// gegen die Backend-Implementierung programmieren.
type Tensor interface {
	DType() DType
	Shape() Shape
	Dim(n int) int
	Stride(n int) int
	Bytes() int

	// Reshape gibt eine neue Sicht mit anderer Form auf denselben Speicher
	// zurueck. Die Elementzahl muss unveraendert bleiben.
	Reshape(ctx Context, dims ...int) Tensor

	// View gibt eine Sicht mit beliebigem Byte-Offset, Dimensionen und
	// Strides zurueck (Paare aus dim, stride, wiederholt je Achse).
	View(ctx Context, offset int, dimStride ...int) Tensor

	// Permute vertauscht Achsen gemaess axes (eine Permutation von
	// 0..Len(Shape)-1).
	Permute(ctx Context, axes ...int) Tensor

	// Contiguous erzwingt zusammenhaengende Speicherung, falls Stride-
	// Reihenfolge und Achsenreihenfolge auseinandergelaufen sind (nach
	// Permute typischerweise noetig vor einem Kernel, der lineares
	// Layout voraussetzt).
	Contiguous(ctx Context) Tensor

	Cast(ctx Context, dtype DType) Tensor

	// Copy writes this tensor's contents into dst, honoring dst's own
	// shape/stride/offset (a strided scatter when dst is itself a View),
	// and returns dst. Used by the KV cache to write a freshly computed
	// slice (e.g. after a RoPE position shift) back into its cache slot.
	Copy(ctx Context, dst Tensor) Tensor

	// SetRows schreibt src zeilenweise an die durch idx (i32-Tensor)
	// benannten Zeilenindizes dieses Tensors (verwendet vom KV-Cache
	// beim Anhaengen neuer Tokens).
	SetRows(ctx Context, src Tensor, idx Tensor) Tensor

	// Rows liest die durch idx benannten Zeilen (Embedding-Lookup).
	Rows(ctx Context, idx Tensor) Tensor

	Add(ctx Context, b Tensor) Tensor
	Mul(ctx Context, b Tensor) Tensor
	Scale(ctx Context, s float32) Tensor
	MatMul(ctx Context, b Tensor) Tensor

	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Softmax(ctx Context) Tensor
	RoPE(ctx Context, positions Tensor, dim int, base float32) Tensor
	SiLU(ctx Context) Tensor

	// MoERoute treats this tensor as (numExperts, numTokens) router
	// logits (numExperts at dim 0) and returns the per-token top-K
	// expert weights (normalized to sum to 1) and expert indices, both
	// (topK, numTokens).
	MoERoute(ctx Context, topK int) (weights, indices Tensor)

	// Floats and Ints read a tensor's contents back to the host. The
	// reference device executes synchronously, so this is always safe
	// to call right after the op that produced the tensor; a real async
	// device would need a fence wait here first. Used where Go code must
	// act on device-computed data: MoE expert routing in ml/nn.FFN and
	// the logits handed to the sampler in engine/generate.go.
	Floats(ctx Context) []float32
	Ints(ctx Context) []int32

	buffer() device.Buffer
	offset() int
	backend() *backendImpl
}

type tensorImpl struct {
	be     *backendImpl
	buf    device.Buffer
	off    int // Byte-Offset in buf
	dtype  DType
	shape  Shape
	stride []int // in Elementen, nicht Bytes, eine pro Shape-Achse
}

func newContiguousTensor(be *backendImpl, buf device.Buffer, off int, dtype DType, shape Shape) *tensorImpl {
	stride := make([]int, len(shape))
	acc := 1
	for i := range shape {
		stride[i] = acc
		acc *= shape[i]
	}
	return &tensorImpl{be: be, buf: buf, off: off, dtype: dtype, shape: shape, stride: stride}
}

func (t *tensorImpl) DType() DType { return t.dtype }
func (t *tensorImpl) Shape() Shape { return t.shape }

func (t *tensorImpl) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *tensorImpl) Stride(n int) int {
	if n >= len(t.stride) {
		return t.elements()
	}
	return t.stride[n]
}

func (t *tensorImpl) elements() int { return t.shape.elements() }

func (t *tensorImpl) Bytes() int { return t.elements() * t.dtype.ElemSize() }

func (t *tensorImpl) buffer() device.Buffer   { return t.buf }
func (t *tensorImpl) offset() int             { return t.off }
func (t *tensorImpl) backend() *backendImpl   { return t.be }

func (t *tensorImpl) Reshape(ctx Context, dims ...int) Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != t.elements() {
		panic(fmt.Sprintf("ml: Reshape element count mismatch: %v -> %v", []int(t.shape), dims))
	}
	return newContiguousTensor(t.be, t.buf, t.off, t.dtype, Shape(dims))
}

// View construye a non-owning sub-view: dimStride is a flattened sequence
// of (dim, stride) pairs, one per output axis, matching the teacher's own
// View(ctx, offset, dim0, stride0, dim1, stride1, ...) calling convention.
func (t *tensorImpl) View(ctx Context, offset int, dimStride ...int) Tensor {
	if len(dimStride)%2 != 0 {
		panic("ml: View requires (dim, stride) pairs")
	}
	n := len(dimStride) / 2
	shape := make(Shape, n)
	stride := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = dimStride[2*i]
		stride[i] = dimStride[2*i+1]
	}
	return &tensorImpl{be: t.be, buf: t.buf, off: t.off + offset*t.dtype.ElemSize(), dtype: t.dtype, shape: shape, stride: stride}
}

func (t *tensorImpl) Permute(ctx Context, axes ...int) Tensor {
	if len(axes) != len(t.shape) {
		panic("ml: Permute axis count mismatch")
	}
	shape := make(Shape, len(axes))
	stride := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = t.shape[a]
		stride[i] = t.stride[a]
	}
	return &tensorImpl{be: t.be, buf: t.buf, off: t.off, dtype: t.dtype, shape: shape, stride: stride}
}

func (t *tensorImpl) isContiguous() bool {
	acc := 1
	for i := range t.shape {
		if t.stride[i] != acc {
			return false
		}
		acc *= t.shape[i]
	}
	return true
}

func (t *tensorImpl) Contiguous(ctx Context) Tensor {
	if t.isContiguous() {
		return t
	}
	out := t.be.allocTensor(ctx, t.dtype, t.shape)
	recordContiguousCopy(ctx, t, out.(*tensorImpl))
	return out
}
