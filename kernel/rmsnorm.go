package kernel

import (
	"math"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const labelRMSNorm = "doppler.rmsnorm.f32"

// rmsNormUniform carries {rowSize, rowCount, eps} — the kernel is
// unconditional; the Gemma "(1+w)" norm-weight offset is applied once,
// to the weight tensor itself, at load time (see fs/ggml's loader),
// never here. A kernel that special-cased Gemma weights would make the
// offset applied twice for any architecture whose loader also folds it
// in, which is exactly the class of bug this split avoids.
var rmsNormUniform = device.NewUniformLayout("rmsnorm",
	device.UniformField{Name: "rowSize", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "rowCount", ByteOffset: 4, ByteSize: 4},
	device.UniformField{Name: "eps", ByteOffset: 8, ByteSize: 4},
	device.UniformField{Name: "_pad", ByteOffset: 12, ByteSize: 4},
)

func init() {
	swdevice.RegisterShader(labelRMSNorm, storageLayout(2, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		rowSize := int(u32le(uniform[0:4]))
		rowCount := int(u32le(uniform[4:8]))
		eps := math32le(uniform[8:12])

		x := asF32(b[0].Bytes)
		w := asF32(b[1].Bytes)
		out := asF32(b[2].Bytes)

		for row := 0; row < rowCount; row++ {
			base := row * rowSize
			var sumSq float64
			for i := 0; i < rowSize; i++ {
				v := float64(x[base+i])
				sumSq += v * v
			}
			rms := float32(math.Sqrt(sumSq/float64(rowSize) + float64(eps)))
			for i := 0; i < rowSize; i++ {
				out[base+i] = (x[base+i] / rms) * w[i]
			}
		}
		writeF32(b[2].Bytes, out)
	})
}

// RecordRMSNorm appends out[row] = (x[row]/rms(x[row])) * weight for
// every row of an (rowCount x rowSize) input.
func RecordRMSNorm(dev device.Device, enc device.CommandEncoder, x, weight, out device.Buffer, rowSize, rowCount int, eps float32) error {
	pl := pipeline(dev, labelRMSNorm, storageLayout(2, true), [3]uint32{32, 1, 1})
	u := rmsNormUniform.Writer().
		PutU32("rowSize", uint32(rowSize)).
		PutU32("rowCount", uint32(rowCount)).
		PutF32("eps", eps).
		PutU32("_pad", 0).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: x},
			{Index: 1, Buffer: weight},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(rowCount, 32),
		Label:   labelRMSNorm,
	})
}
