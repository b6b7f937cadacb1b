// Package ml - Konvertierung zwischen Katalog und Backend-Tensoren
//
// residentToTensor nimmt einen geladenen ggml.ResidentTensor (Bytes
// liegen bereits im Heap) und erzeugt daraus einen device-gebundenen
// ml.Tensor: ein Buffer wird angelegt und die Bytes werden einmalig
// hochgeladen.
package ml

import (
	"fmt"
	"math"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/fs/ggml"
)

func dtypeFromTensorType(t ggml.TensorType, variant ggml.Variant) DType {
	switch {
	case variant == ggml.VariantQ4KRowwise:
		return DTypeQ4K
	case variant == ggml.VariantQ4KDequantized:
		return DTypeF16
	}
	switch t {
	case ggml.TensorTypeF32:
		return DTypeF32
	case ggml.TensorTypeF16:
		return DTypeF16
	case ggml.TensorTypeBF16:
		return DTypeBF16
	case ggml.TensorTypeQ4_0:
		return DTypeQ4_0
	case ggml.TensorTypeQ4_1:
		return DTypeQ4_1
	case ggml.TensorTypeQ4_K:
		return DTypeQ4K
	case ggml.TensorTypeI8:
		return DTypeI8
	case ggml.TensorTypeI32:
		return DTypeI32
	default:
		return DTypeOther
	}
}

func (b *backendImpl) residentToTensor(rt ggml.ResidentTensor) (Tensor, error) {
	bytes, err := b.heap.Bytes(rt.Addr, rt.Size)
	if err != nil {
		return nil, err
	}

	buf, err := b.dev.CreateBuffer(rt.Size, device.BufferUsageStorage|device.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	if err := buf.WriteAt(0, bytes); err != nil {
		return nil, err
	}

	shape := make(Shape, len(rt.Shape))
	for i, d := range rt.Shape {
		shape[i] = int(d)
	}
	// Quantized tensors' logical element shape still reflects the
	// un-packed matrix dimensions; byte layout is handled entirely by
	// the dtype-specific kernels, never by Tensor's own stride math.
	dtype := dtypeFromTensorType(rt.DType, rt.Variant)

	return newContiguousTensor(b, buf, 0, dtype, shape), nil
}

// allocTensor creates a fresh, zero-initialized contiguous tensor on
// this backend's device.
func (b *backendImpl) allocTensor(ctx Context, dtype DType, shape Shape) Tensor {
	size := shape.elements() * dtype.ElemSize()
	if size == 0 {
		panic(fmt.Sprintf("ml: cannot allocate tensor of dtype %v with zero byte size (shape %v)", dtype, shape))
	}
	buf, err := b.dev.CreateBuffer(uint64(size), device.BufferUsageStorage|device.BufferUsageCopyDst|device.BufferUsageCopySrc)
	if err != nil {
		panic(fmt.Sprintf("ml: allocating tensor: %v", err))
	}
	return newContiguousTensor(b, buf, 0, dtype, shape)
}

// Zeros creates a zero-filled tensor; Go's make([]byte, n) is already
// zeroed, and CreateBuffer backs buffers with a freshly made slice, so
// no explicit clear dispatch is needed.
func (c *ctxImpl) Zeros(dtype DType, dims ...int) Tensor {
	return c.be.allocTensor(c, dtype, Shape(dims))
}

func (c *ctxImpl) FromFloats(data []float32, dims ...int) Tensor {
	t := c.be.allocTensor(c, DTypeF32, Shape(dims)).(*tensorImpl)
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		putF32(raw[i*4:], v)
	}
	if err := t.buf.WriteAt(0, raw); err != nil {
		panic(fmt.Sprintf("ml: FromFloats: %v", err))
	}
	return t
}

func (c *ctxImpl) FromInts(data []int32, length ...int) Tensor {
	dims := length
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	t := c.be.allocTensor(c, DTypeI32, Shape(dims)).(*tensorImpl)
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		putU32(raw[i*4:], uint32(v))
	}
	if err := t.buf.WriteAt(0, raw); err != nil {
		panic(fmt.Sprintf("ml: FromInts: %v", err))
	}
	return t
}

func putF32(b []byte, v float32) {
	putU32(b, math.Float32bits(v))
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
