// Package kernel is the kernel library of §4.1: one ComputePipeline
// descriptor plus host-side recorder per operation the layer driver
// needs (matmul, RMSNorm, softmax, RoPE, SiLU, elementwise add/mul,
// embedding gather, row-scatter). Every kernel is registered with
// device/swdevice under a stable pipeline label and an explicit
// BindGroupLayout enumerating every binding its ShaderFunc touches —
// there is no "auto" layout path anywhere in this package.
//
// Pipelines are created lazily per Device and cached, since
// CreatePipeline validates the supplied layout against the registered
// shader and that validation only needs to happen once per device.
package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/clocksmith/doppler/device"
)

var (
	pipelineCacheMu sync.Mutex
	pipelineCache   = make(map[device.Device]map[string]device.ComputePipeline)
)

// pipeline returns (creating and caching if necessary) the compute
// pipeline for label on dev, using layout and workgroup size wg.
func pipeline(dev device.Device, label string, layout device.BindGroupLayout, wg [3]uint32) device.ComputePipeline {
	pipelineCacheMu.Lock()
	defer pipelineCacheMu.Unlock()

	byDev, ok := pipelineCache[dev]
	if !ok {
		byDev = make(map[string]device.ComputePipeline)
		pipelineCache[dev] = byDev
	}
	if p, ok := byDev[label]; ok {
		return p
	}

	p, err := dev.CreatePipeline(device.PipelineDescriptor{Label: label, Layout: &layout, WorkgroupSize: wg})
	if err != nil {
		panic(fmt.Sprintf("kernel: creating pipeline %q: %v", label, err))
	}
	byDev[label] = p
	return p
}

// storageLayout builds the common pattern of N read-only storage
// bindings, one read-write storage binding for the output, and
// (optionally) one uniform binding, in that binding-index order.
func storageLayout(numInputs int, withUniform bool) device.BindGroupLayout {
	var entries []device.BindGroupLayoutEntry
	var idx uint32
	for i := 0; i < numInputs; i++ {
		entries = append(entries, device.BindGroupLayoutEntry{Binding: idx, Kind: device.BindingStorageBufferReadOnly})
		idx++
	}
	entries = append(entries, device.BindGroupLayoutEntry{Binding: idx, Kind: device.BindingStorageBuffer})
	idx++
	if withUniform {
		entries = append(entries, device.BindGroupLayoutEntry{Binding: idx, Kind: device.BindingUniformBuffer})
	}
	return device.BindGroupLayout{Entries: entries}
}

func asF32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = bitsToF32(b[i*4], b[i*4+1], b[i*4+2], b[i*4+3])
	}
	return out
}

func writeF32(b []byte, v []float32) {
	for i, x := range v {
		f32ToBits(b[i*4:], x)
	}
}

func bitsToF32(b0, b1, b2, b3 byte) float32 {
	bits := uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
	return math.Float32frombits(bits)
}

func f32ToBits(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
