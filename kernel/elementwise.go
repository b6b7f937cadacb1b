package kernel

import (
	"fmt"
	"math"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const (
	labelAdd        = "doppler.add.f32"
	labelMul        = "doppler.mul.f32"
	labelScale      = "doppler.scale.f32"
	labelSiLU       = "doppler.silu.f32"
	labelContiguous = "doppler.contiguous_copy"
	labelScatter    = "doppler.strided_scatter"
)

var uniformCount = device.NewUniformLayout("count", device.UniformField{Name: "count", ByteOffset: 0, ByteSize: 4})
var uniformScale = device.NewUniformLayout("scale",
	device.UniformField{Name: "count", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "factor", ByteOffset: 4, ByteSize: 4},
)

func init() {
	swdevice.RegisterShader(labelAdd, storageLayout(2, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		a := asF32(b[0].Bytes)
		bb := asF32(b[1].Bytes)
		out := asF32(b[2].Bytes)
		for i := range out {
			out[i] = a[i] + bb[i]
		}
		writeF32(b[2].Bytes, out)
	})

	swdevice.RegisterShader(labelMul, storageLayout(2, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		a := asF32(b[0].Bytes)
		bb := asF32(b[1].Bytes)
		out := asF32(b[2].Bytes)
		for i := range out {
			out[i] = a[i] * bb[i]
		}
		writeF32(b[2].Bytes, out)
	})

	swdevice.RegisterShader(labelScale, storageLayout(1, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		factor := math32le(uniform[4:8])
		a := asF32(b[0].Bytes)
		out := asF32(b[1].Bytes)
		for i := range out {
			out[i] = a[i] * factor
		}
		writeF32(b[1].Bytes, out)
	})

	swdevice.RegisterShader(labelSiLU, storageLayout(1, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		a := asF32(b[0].Bytes)
		out := asF32(b[1].Bytes)
		for i, x := range a {
			out[i] = x / (1 + expNeg(x))
		}
		writeF32(b[1].Bytes, out)
	})

	swdevice.RegisterShader(labelContiguous, contiguousLayout(), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		ndim := int(u32le(uniform[0:4]))
		elemCount := int(u32le(uniform[4:8]))
		meta := asI32(b[1].Bytes)
		shape := meta[:ndim]
		stride := meta[ndim : 2*ndim]

		src := asF32(b[0].Bytes)
		out := asF32(b[2].Bytes)
		idx := make([]int32, ndim)
		for linear := 0; linear < elemCount; linear++ {
			// Axis 0 is the fastest-varying axis (ggml ne[0] convention,
			// see ml.Shape) so it is decoded first off linear.
			rem := linear
			for a := 0; a < ndim; a++ {
				idx[a] = int32(rem) % shape[a]
				rem /= int(shape[a])
			}
			var srcElem int32
			for a := 0; a < ndim; a++ {
				srcElem += idx[a] * stride[a]
			}
			out[linear] = src[srcElem]
		}
		writeF32(b[2].Bytes, out)
	})

	swdevice.RegisterShader(labelScatter, contiguousLayout(), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		ndim := int(u32le(uniform[0:4]))
		elemCount := int(u32le(uniform[4:8]))
		meta := asI32(b[1].Bytes)
		shape := meta[:ndim]
		stride := meta[ndim : 2*ndim]

		src := asF32(b[0].Bytes)
		dst := asF32(b[2].Bytes)
		idx := make([]int32, ndim)
		for linear := 0; linear < elemCount; linear++ {
			rem := linear
			for a := 0; a < ndim; a++ {
				idx[a] = int32(rem) % shape[a]
				rem /= int(shape[a])
			}
			var dstElem int32
			for a := 0; a < ndim; a++ {
				dstElem += idx[a] * stride[a]
			}
			dst[dstElem] = src[linear]
		}
		writeF32(b[2].Bytes, dst)
	})
}

// contiguousUniform carries {ndim, elemCount}.
var contiguousUniform = device.NewUniformLayout("contiguous",
	device.UniformField{Name: "ndim", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "elemCount", ByteOffset: 4, ByteSize: 4},
)

// contiguousLayout declares the contiguous_copy shader's bindings: the
// strided source, a read-only i32 buffer holding shape then stride (each
// ndim elements), the packed output, and the {ndim, elemCount} uniform.
func contiguousLayout() device.BindGroupLayout {
	return device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}
}

func math32le(b []byte) float32 { return bitsToF32(b[0], b[1], b[2], b[3]) }

// RecordAdd appends an elementwise out = a + b dispatch to enc.
func RecordAdd(dev device.Device, enc device.CommandEncoder, a, b, out device.Buffer, n int) error {
	return recordBinary(dev, enc, labelAdd, a, b, out, n)
}

// RecordMul appends an elementwise out = a * b dispatch to enc.
func RecordMul(dev device.Device, enc device.CommandEncoder, a, b, out device.Buffer, n int) error {
	return recordBinary(dev, enc, labelMul, a, b, out, n)
}

func recordBinary(dev device.Device, enc device.CommandEncoder, label string, a, b, out device.Buffer, n int) error {
	pl := pipeline(dev, label, storageLayout(2, true), [3]uint32{64, 1, 1})
	u := uniformCount.Writer().PutU32("count", uint32(n)).Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: a},
			{Index: 1, Buffer: b},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(n, 64),
		Label:   label,
	})
}

// RecordScale appends out = a * factor.
func RecordScale(dev device.Device, enc device.CommandEncoder, a, out device.Buffer, n int, factor float32) error {
	pl := pipeline(dev, labelScale, storageLayout(1, true), [3]uint32{64, 1, 1})
	u := uniformScale.Writer().PutU32("count", uint32(n)).PutF32("factor", factor).Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: a},
			{Index: 1, Buffer: out},
			{Index: 2, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(n, 64),
		Label:   labelScale,
	})
}

// RecordSiLU appends out = silu(a) = a * sigmoid(a).
func RecordSiLU(dev device.Device, enc device.CommandEncoder, a, out device.Buffer, n int) error {
	pl := pipeline(dev, labelSiLU, storageLayout(1, true), [3]uint32{64, 1, 1})
	u := uniformCount.Writer().PutU32("count", uint32(n)).Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: a},
			{Index: 1, Buffer: out},
			{Index: 2, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(n, 64),
		Label:   labelSiLU,
	})
}

// RecordContiguousCopy appends a gather dispatch that reads src through
// shape/stride (the view Permute/View left behind) and writes a packed,
// row-major copy to out. shape and stride are element counts, one entry
// per axis, in the order Tensor.Permute/View leaves them.
func RecordContiguousCopy(dev device.Device, enc device.CommandEncoder, src, out device.Buffer, srcByteOffset uint64, shape, stride []int) error {
	ndim := len(shape)
	elemCount := 1
	meta := make([]int32, 2*ndim)
	for i, d := range shape {
		meta[i] = int32(d)
		elemCount *= d
	}
	for i, s := range stride {
		meta[ndim+i] = int32(s)
	}
	metaBytes := make([]byte, len(meta)*4)
	for i, v := range meta {
		off := i * 4
		metaBytes[off] = byte(v)
		metaBytes[off+1] = byte(v >> 8)
		metaBytes[off+2] = byte(v >> 16)
		metaBytes[off+3] = byte(v >> 24)
	}

	pl := pipeline(dev, labelContiguous, contiguousLayout(), [3]uint32{1, 1, 1})
	u := contiguousUniform.Writer().
		PutU32("ndim", uint32(ndim)).
		PutU32("elemCount", uint32(elemCount)).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: src, Offset: srcByteOffset},
			{Index: 1, Buffer: mustStorageBuffer(dev, metaBytes)},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: 1,
		Label:   labelContiguous,
	})
}

// RecordScatterCopy appends the mirror image of RecordContiguousCopy: it
// reads a packed, row-major src and scatters each element into dst at
// the position shape/stride (and dstByteOffset) describe — the write
// half of placing a freshly computed tensor (e.g. a RoPE-shifted KV
// slice) back into a strided view of the cache's backing buffer.
func RecordScatterCopy(dev device.Device, enc device.CommandEncoder, src, dst device.Buffer, dstByteOffset uint64, shape, stride []int) error {
	ndim := len(shape)
	elemCount := 1
	meta := make([]int32, 2*ndim)
	for i, d := range shape {
		meta[i] = int32(d)
		elemCount *= d
	}
	for i, s := range stride {
		meta[ndim+i] = int32(s)
	}
	metaBytes := make([]byte, len(meta)*4)
	for i, v := range meta {
		off := i * 4
		metaBytes[off] = byte(v)
		metaBytes[off+1] = byte(v >> 8)
		metaBytes[off+2] = byte(v >> 16)
		metaBytes[off+3] = byte(v >> 24)
	}

	pl := pipeline(dev, labelScatter, contiguousLayout(), [3]uint32{1, 1, 1})
	u := contiguousUniform.Writer().
		PutU32("ndim", uint32(ndim)).
		PutU32("elemCount", uint32(elemCount)).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: src},
			{Index: 1, Buffer: mustStorageBuffer(dev, metaBytes)},
			{Index: 2, Buffer: dst, Offset: dstByteOffset},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: 1,
		Label:   labelScatter,
	})
}

func mustStorageBuffer(dev device.Device, data []byte) device.Buffer {
	buf, err := dev.CreateBuffer(uint64(len(data)), device.BufferUsageStorage|device.BufferUsageCopyDst)
	if err != nil {
		panic(fmt.Sprintf("kernel: allocating storage buffer: %v", err))
	}
	if err := buf.WriteAt(0, data); err != nil {
		panic(fmt.Sprintf("kernel: writing storage buffer: %v", err))
	}
	return buf
}

func groupsFor(n, wg int) uint32 {
	if n <= 0 {
		return 1
	}
	return uint32((n + wg - 1) / wg)
}

func expNeg(x float32) float32 {
	return float32(math.Exp(float64(-x)))
}

func mustUniformBuffer(dev device.Device, data []byte) device.Buffer {
	buf, err := dev.CreateBuffer(uint64(len(data)), device.BufferUsageUniform|device.BufferUsageCopyDst)
	if err != nil {
		panic(fmt.Sprintf("kernel: allocating uniform buffer: %v", err))
	}
	if err := buf.WriteAt(0, data); err != nil {
		panic(fmt.Sprintf("kernel: writing uniform buffer: %v", err))
	}
	return buf
}
