package kernel

import (
	"math"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const labelSoftmax = "doppler.softmax.f32"

// softmaxUniform is the exact layout the softmax postmortem (§9) fixed:
// innerSize and outerSize first (a transposed write of these two caused
// the original incident), temperature third, and a trailing pad field
// to keep the struct 16-byte aligned. Every host write of this uniform
// goes through this UniformLayout so the field order can never drift
// from what's declared here.
var softmaxUniform = device.NewUniformLayout("softmax",
	device.UniformField{Name: "innerSize", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "outerSize", ByteOffset: 4, ByteSize: 4},
	device.UniformField{Name: "temperature", ByteOffset: 8, ByteSize: 4},
	device.UniformField{Name: "_pad", ByteOffset: 12, ByteSize: 4},
)

func init() {
	swdevice.RegisterShader(labelSoftmax, storageLayout(1, true), func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		inner := int(u32le(uniform[0:4]))
		outer := int(u32le(uniform[4:8]))
		temp := math32le(uniform[8:12])
		if temp == 0 {
			temp = 1
		}

		x := asF32(b[0].Bytes)
		out := asF32(b[1].Bytes)

		for o := 0; o < outer; o++ {
			base := o * inner
			max := float32(math.Inf(-1))
			for i := 0; i < inner; i++ {
				v := x[base+i] / temp
				if v > max {
					max = v
				}
			}
			var sum float64
			row := make([]float32, inner)
			for i := 0; i < inner; i++ {
				e := float32(math.Exp(float64(x[base+i]/temp - max)))
				row[i] = e
				sum += float64(e)
			}
			for i := 0; i < inner; i++ {
				out[base+i] = row[i] / float32(sum)
			}
		}
		writeF32(b[1].Bytes, out)
	})
}

// RecordSoftmax appends a row-wise softmax over a (outer x inner)
// input, dividing logits by temperature before exponentiating (a
// temperature of 0 is treated as 1). ml's Softmax always passes 1.0; the
// sampler in package sampling applies its temperature on the host.
func RecordSoftmax(dev device.Device, enc device.CommandEncoder, x, out device.Buffer, innerSize, outerSize int, temperature float32) error {
	pl := pipeline(dev, labelSoftmax, storageLayout(1, true), [3]uint32{32, 1, 1})
	u := softmaxUniform.Writer().
		PutU32("innerSize", uint32(innerSize)).
		PutU32("outerSize", uint32(outerSize)).
		PutF32("temperature", temperature).
		PutU32("_pad", 0).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: x},
			{Index: 1, Buffer: out},
			{Index: 2, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(outerSize, 32),
		Label:   labelSoftmax,
	})
}
