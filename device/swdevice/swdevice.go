// Package swdevice is the reference software Device: a single-threaded,
// host-executed implementation of the device package's abstract GPU
// contract. It is the only Device this module ships, since no real GPU
// binding is available in this build — the same role the teacher
// engine's CPU ggml backend plays relative to its CUDA/Metal/Vulkan
// backends. Kernel pipelines are registered as Go closures
// ("ShaderFunc") keyed by pipeline label; CreatePipeline resolves the
// closure and validates its declared bindings match the supplied
// BindGroupLayout before any dispatch can reference it.
package swdevice

import (
	"context"
	"fmt"
	"sync"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/logutil"
)

func init() {
	device.Register("software", New)
}

// ShaderFunc is the host-side body of a compute shader: given the bound
// buffers' raw bytes (already ordered by binding index 0..N) and the
// serialized uniform payload, it computes in place. Workgroup
// linearization (global_id.x vs. 2-D dispatch) is the ShaderFunc's own
// responsibility — swdevice just hands it GroupsX/Y/Z and lets it
// iterate however the kernel's dispatch policy requires; this mirrors
// how a real compute shader receives workgroup/global IDs from the
// hardware dispatcher.
type ShaderFunc func(groupsX, groupsY, groupsZ uint32, bindings []ShaderBinding, uniform []byte)

// ShaderBinding is a mutable view over one bound buffer's bytes, passed
// to a ShaderFunc in binding-index order.
type ShaderBinding struct {
	Index uint32
	Bytes []byte
	Kind  device.BindingKind
}

// RegisterShader associates a pipeline label with its host implementation
// and declared layout. Kernel packages call this from an init() func,
// the same way device.Register and ml.RegisterBackend work.
func RegisterShader(label string, layout device.BindGroupLayout, fn ShaderFunc) {
	shadersMu.Lock()
	defer shadersMu.Unlock()
	if _, ok := shaders[label]; ok {
		panic("swdevice: shader already registered: " + label)
	}
	shaders[label] = shaderEntry{layout: layout, fn: fn}
}

type shaderEntry struct {
	layout device.BindGroupLayout
	fn     ShaderFunc
}

var (
	shadersMu sync.Mutex
	shaders   = make(map[string]shaderEntry)
)

// Device implements device.Device entirely in host memory.
type Device struct {
	limits device.RequiredLimits
	mu     sync.Mutex
	total  uint64
	ts     *timestamps
}

// New constructs the software reference device. It never fails on
// limits, since host memory (not a fixed VRAM budget) backs every
// buffer; a real GPU device would reject limits it cannot satisfy here.
func New(limits device.RequiredLimits) (device.Device, error) {
	if limits.MaxBufferSize == 0 {
		limits.MaxBufferSize = 1 << 34 // 16 GiB default ceiling
	}
	return &Device{limits: limits, ts: &timestamps{}}, nil
}

func (d *Device) Info() device.DeviceInfo {
	return device.DeviceInfo{
		Name:              "swdevice (host reference)",
		IsDiscreteGPU:     false,
		TotalMemoryBytes:  d.limits.MaxBufferSize,
		SupportsTimestamp: false,
	}
}

func (d *Device) CreateBuffer(size uint64, usage device.BufferUsage) (device.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("swdevice: buffer size must be > 0")
	}
	if size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("swdevice: buffer size %d exceeds MaxBufferSize %d", size, d.limits.MaxBufferSize)
	}
	d.mu.Lock()
	d.total += size
	d.mu.Unlock()
	return &Buffer{data: make([]byte, size), usage: usage}, nil
}

func (d *Device) CreatePipeline(desc device.PipelineDescriptor) (device.ComputePipeline, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	shadersMu.Lock()
	entry, ok := shaders[desc.Label]
	shadersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("swdevice: no shader registered for pipeline %q", desc.Label)
	}
	// The universal rule (§4.1): the bind-group layout must enumerate
	// every binding the shader declares, not only the ones an entry
	// point happens to read. We check the converse direction here (every
	// binding the shader *declares* must be in the supplied layout) —
	// the dispatch-time check in Append covers the other direction (every
	// binding a dispatch *uses* must be declared in the layout).
	for _, want := range entry.layout.Entries {
		if _, ok := desc.Layout.Lookup(want.Binding); !ok {
			return nil, fmt.Errorf("swdevice: pipeline %q: supplied layout omits binding %d which the shader declares (auto/partial layouts are forbidden)", desc.Label, want.Binding)
		}
	}
	return &Pipeline{desc: desc, shader: entry.fn}, nil
}

func (d *Device) NewEncoder() device.CommandEncoder {
	return &Encoder{}
}

func (d *Device) Timestamps() device.TimestampQuery { return d.ts }

func (d *Device) Close() error { return nil }

// Pipeline is a created, validated software pipeline.
type Pipeline struct {
	desc   device.PipelineDescriptor
	shader ShaderFunc
}

func (p *Pipeline) Descriptor() device.PipelineDescriptor { return p.desc }

// Buffer is a host byte slice standing in for a device allocation.
type Buffer struct {
	mu    sync.RWMutex
	data  []byte
	usage device.BufferUsage
	// pendingWrite marks that an encoder has queued a dispatch writing
	// this buffer that has not yet been submitted+awaited. ReadBack
	// checks this to enforce "debug readbacks forbidden while a recorder
	// holds undispatched work on a buffer" (§3).
	pendingWrite bool
}

func (b *Buffer) Size() uint64             { return uint64(len(b.data)) }
func (b *Buffer) Usage() device.BufferUsage { return b.usage }

func (b *Buffer) ReadBack(ctx context.Context) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pendingWrite {
		return nil, fmt.Errorf("swdevice: readback of buffer with undispatched pending write; submit and await the recorder first")
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *Buffer) WriteAt(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("swdevice: WriteAt out of bounds: offset=%d len=%d size=%d", offset, len(data), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// Encoder queues dispatches and executes them synchronously on Submit;
// there is no real async GPU queue to race against, but the API shape
// (Append/Submit/Fence.Wait) is preserved so callers — and tests — can't
// tell the difference from a real device's command buffer discipline.
type Encoder struct {
	queue []device.Dispatch
}

func (e *Encoder) Append(d device.Dispatch) error {
	pl, ok := d.Pipeline.(*Pipeline)
	if !ok {
		return fmt.Errorf("swdevice: dispatch pipeline is not a swdevice.Pipeline")
	}
	layout := pl.desc.Layout
	for _, b := range d.Bindings {
		if _, ok := layout.Lookup(b.Index); !ok {
			return fmt.Errorf("swdevice: dispatch %q: %w (binding %d)", d.Label, device.ErrUndeclaredBinding, b.Index)
		}
		if buf, ok := b.Buffer.(*Buffer); ok {
			if entry, _ := layout.Lookup(b.Index); entry.Kind != device.BindingStorageBufferReadOnly && entry.Kind != device.BindingUniformBuffer {
				buf.mu.Lock()
				buf.pendingWrite = true
				buf.mu.Unlock()
			}
		}
	}
	if d.GroupsX == 0 {
		return fmt.Errorf("swdevice: dispatch %q: GroupsX must be >= 1", d.Label)
	}
	if d.GroupsY == 0 {
		d.GroupsY = 1
	}
	if d.GroupsZ == 0 {
		d.GroupsZ = 1
	}
	e.queue = append(e.queue, d)
	logutil.Trace("swdevice: dispatch queued", "label", d.Label, "groupsX", d.GroupsX, "groupsY", d.GroupsY)
	return nil
}

func (e *Encoder) Count() int { return len(e.queue) }

func (e *Encoder) Submit() (device.Fence, error) {
	for _, d := range e.queue {
		pl := d.Pipeline.(*Pipeline)
		bindings := make([]ShaderBinding, len(d.Bindings))
		for i, b := range d.Bindings {
			buf := b.Buffer.(*Buffer)
			buf.mu.Lock()
			lo := b.Offset
			hi := uint64(len(buf.data))
			if b.Size != 0 {
				hi = lo + b.Size
			}
			entry, _ := pl.desc.Layout.Lookup(b.Index)
			bindings[i] = ShaderBinding{Index: b.Index, Bytes: buf.data[lo:hi], Kind: entry.Kind}
			buf.mu.Unlock()
		}
		pl.shader(d.GroupsX, d.GroupsY, d.GroupsZ, bindings, d.Uniform)
		for _, b := range d.Bindings {
			buf := b.Buffer.(*Buffer)
			buf.mu.Lock()
			buf.pendingWrite = false
			buf.mu.Unlock()
		}
	}
	e.queue = nil
	return doneFence{}, nil
}

// doneFence is always-signaled since Submit executes synchronously.
type doneFence struct{}

func (doneFence) Wait(ctx context.Context) error { return nil }

type timestamps struct{ mu sync.Mutex }

func (t *timestamps) Elapsed(startLabel, endLabel string) (uint64, bool) {
	return 0, false
}
