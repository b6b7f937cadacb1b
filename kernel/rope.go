package kernel

import (
	"math"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const labelRoPE = "doppler.rope.f32"

// ropeUniform carries {headDim, numHeads, seqLen, base}. positions are
// bound as a second storage input (i32 buffer) rather than folded into
// the uniform, since their count varies per dispatch (one per token in
// the batch) where a uniform struct is meant to stay fixed-size.
var ropeUniform = device.NewUniformLayout("rope",
	device.UniformField{Name: "headDim", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "numHeads", ByteOffset: 4, ByteSize: 4},
	device.UniformField{Name: "seqLen", ByteOffset: 8, ByteSize: 4},
	device.UniformField{Name: "base", ByteOffset: 12, ByteSize: 4},
)

func init() {
	layout := device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}

	swdevice.RegisterShader(labelRoPE, layout, func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		headDim := int(u32le(uniform[0:4]))
		numHeads := int(u32le(uniform[4:8]))
		seqLen := int(u32le(uniform[8:12]))
		base := math32le(uniform[12:16])

		x := asF32(b[0].Bytes)
		positions := asI32(b[1].Bytes)
		out := asF32(b[2].Bytes)

		half := headDim / 2
		for t := 0; t < seqLen; t++ {
			pos := float64(positions[t])
			for h := 0; h < numHeads; h++ {
				rowBase := (t*numHeads + h) * headDim
				for i := 0; i < half; i++ {
					freq := 1.0 / math.Pow(float64(base), float64(2*i)/float64(headDim))
					angle := pos * freq
					cosv, sinv := float32(math.Cos(angle)), float32(math.Sin(angle))

					x0 := x[rowBase+i]
					x1 := x[rowBase+half+i]
					out[rowBase+i] = x0*cosv - x1*sinv
					out[rowBase+half+i] = x0*sinv + x1*cosv
				}
			}
		}
		writeF32(b[2].Bytes, out)
	})
}

func asI32(b []byte) []int32 {
	n := len(b) / 4
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = int32(u32le(b[i*4 : i*4+4]))
	}
	return out
}

// RecordRoPE appends a rotary position embedding dispatch over an
// (seqLen, numHeads, headDim) input, reading per-token positions from a
// parallel i32 buffer.
func RecordRoPE(dev device.Device, enc device.CommandEncoder, x, positions, out device.Buffer, headDim, numHeads, seqLen int, base float32) error {
	layout := device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}
	pl := pipeline(dev, labelRoPE, layout, [3]uint32{32, 1, 1})
	u := ropeUniform.Writer().
		PutU32("headDim", uint32(headDim)).
		PutU32("numHeads", uint32(numHeads)).
		PutU32("seqLen", uint32(seqLen)).
		PutF32("base", base).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: x},
			{Index: 1, Buffer: positions},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(seqLen, 32),
		Label:   labelRoPE,
	})
}
