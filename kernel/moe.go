// Package kernel - MoE routing
//
// RecordMoERoute computes, for each token, the softmax over expert
// logits and the indices/weights of the top-K experts — moving tokens to
// their assigned experts' FFN weights and back is left to the layer
// driver (ml/nn.FFN.forwardMoE), which reads the routing result back to
// the host and runs each token's experts through View/Copy, so this
// kernel never needs to know about expert weight layout.
package kernel

import (
	"sort"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const labelMoERoute = "doppler.moe.route"

var moeUniform = device.NewUniformLayout("moe",
	device.UniformField{Name: "numExperts", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "topK", ByteOffset: 4, ByteSize: 4},
	device.UniformField{Name: "numTokens", ByteOffset: 8, ByteSize: 4},
	device.UniformField{Name: "_pad", ByteOffset: 12, ByteSize: 4},
)

func init() {
	layout := device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBuffer},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}

	swdevice.RegisterShader(labelMoERoute, layout, func(_, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		numExperts := int(u32le(uniform[0:4]))
		topK := int(u32le(uniform[4:8]))
		numTokens := int(u32le(uniform[8:12]))

		logits := asF32(b[0].Bytes)
		weightsOut := asF32(b[1].Bytes) // numTokens * topK
		indicesOut := asI32Writable(b[2].Bytes)

		for t := 0; t < numTokens; t++ {
			base := t * numExperts
			probs := softmaxRow(logits[base : base+numExperts])

			type scored struct {
				idx  int
				prob float32
			}
			ranked := make([]scored, numExperts)
			for i, p := range probs {
				ranked[i] = scored{idx: i, prob: p}
			}
			sort.Slice(ranked, func(i, j int) bool { return ranked[i].prob > ranked[j].prob })

			var sum float32
			for i := 0; i < topK; i++ {
				sum += ranked[i].prob
			}
			for i := 0; i < topK; i++ {
				w := float32(0)
				if sum > 0 {
					w = ranked[i].prob / sum
				}
				weightsOut[t*topK+i] = w
				indicesOut[t*topK+i] = int32(ranked[i].idx)
			}
		}
		writeF32(b[1].Bytes, weightsOut)
		writeI32(b[2].Bytes, indicesOut)
	})
}

func writeI32(b []byte, v []int32) {
	for i, x := range v {
		off := i * 4
		b[off] = byte(x)
		b[off+1] = byte(x >> 8)
		b[off+2] = byte(x >> 16)
		b[off+3] = byte(x >> 24)
	}
}

func softmaxRow(x []float32) []float32 {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(x))
	var sum float32
	for i, v := range x {
		e := expNeg(max - v) // exp(v-max) = 1/exp(max-v)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func asI32Writable(b []byte) []int32 {
	n := len(b) / 4
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(u32le(b[i*4 : i*4+4]))
	}
	return out
}

// RecordMoERoute appends a dispatch computing, per token, the
// softmax-normalized top-K expert weights and their expert indices.
// logits is (numTokens x numExperts); weightsOut and indicesOut are
// each (numTokens x topK).
func RecordMoERoute(dev device.Device, enc device.CommandEncoder, logits, weightsOut, indicesOut device.Buffer, numExperts, topK, numTokens int) error {
	layout := device.BindGroupLayout{Entries: []device.BindGroupLayoutEntry{
		{Binding: 0, Kind: device.BindingStorageBufferReadOnly},
		{Binding: 1, Kind: device.BindingStorageBuffer},
		{Binding: 2, Kind: device.BindingStorageBuffer},
		{Binding: 3, Kind: device.BindingUniformBuffer},
	}}
	pl := pipeline(dev, labelMoERoute, layout, [3]uint32{32, 1, 1})
	u := moeUniform.Writer().
		PutU32("numExperts", uint32(numExperts)).
		PutU32("topK", uint32(topK)).
		PutU32("numTokens", uint32(numTokens)).
		PutU32("_pad", 0).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: logits},
			{Index: 1, Buffer: weightsOut},
			{Index: 2, Buffer: indicesOut},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsFor(numTokens, 32),
		Label:   labelMoERoute,
	})
}
