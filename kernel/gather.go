package kernel

import (
	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const (
	labelRows    = "doppler.rows.gather"
	labelSetRows = "doppler.set_rows.scatter"
)

var rowOpUniform = device.NewUniformLayout("rowop",
	device.UniformField{Name: "rowSize", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "numIndices", ByteOffset: 4, ByteSize: 4},
)

func gatherLayout() device.BindGroupLayout {
	return device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}
}

func init() {
	swdevice.RegisterShader(labelRows, gatherLayout(), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		rowSize := int(u32le(uniform[0:4]))
		numIdx := int(u32le(uniform[4:8]))

		table := asF32(b[0].Bytes)
		idx := asI32(b[1].Bytes)
		out := asF32(b[2].Bytes)

		for i := 0; i < numIdx; i++ {
			row := int(idx[i])
			copy(out[i*rowSize:(i+1)*rowSize], table[row*rowSize:(row+1)*rowSize])
		}
		writeF32(b[2].Bytes, out)
	})

	swdevice.RegisterShader(labelSetRows, gatherLayout(), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		rowSize := int(u32le(uniform[0:4]))
		numIdx := int(u32le(uniform[4:8]))

		src := asF32(b[0].Bytes)
		idx := asI32(b[1].Bytes)
		dst := asF32(b[2].Bytes)

		for i := 0; i < numIdx; i++ {
			row := int(idx[i])
			copy(dst[row*rowSize:(row+1)*rowSize], src[i*rowSize:(i+1)*rowSize])
		}
		writeF32(b[2].Bytes, dst)
	})
}

// RecordRows appends an embedding-lookup gather: out[i] = table[idx[i]]
// for each of numIndices rows of rowSize elements. Exactness (no
// interpolation, no rounding) is required — this is a straight row
// copy, never a computed approximation.
func RecordRows(dev device.Device, enc device.CommandEncoder, table, idx, out device.Buffer, rowSize, numIndices int) error {
	return recordRowOp(dev, enc, labelRows, table, idx, out, rowSize, numIndices)
}

// RecordSetRows appends a scatter-write: dst[idx[i]] = src[i] for each
// of numIndices rows, the operation the KV-cache uses to append new
// tokens' keys/values at their assigned cache slots.
func RecordSetRows(dev device.Device, enc device.CommandEncoder, src, idx, dst device.Buffer, rowSize, numIndices int) error {
	return recordRowOp(dev, enc, labelSetRows, src, idx, dst, rowSize, numIndices)
}

func recordRowOp(dev device.Device, enc device.CommandEncoder, label string, a, idx, out device.Buffer, rowSize, numIndices int) error {
	pl := pipeline(dev, label, gatherLayout(), [3]uint32{32, 1, 1})
	u := rowOpUniform.Writer().
		PutU32("rowSize", uint32(rowSize)).
		PutU32("numIndices", uint32(numIndices)).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: a},
			{Index: 1, Buffer: idx},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(numIndices, 32),
		Label:   label,
	})
}
