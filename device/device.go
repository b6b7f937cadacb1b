// Package device defines the abstract GPU device interface the engine
// targets: device creation with a required-limits request, buffer
// creation, compute-pipeline creation with explicit bind-group layouts,
// dispatch recording, submission, fence wait, and an optional timestamp
// query. It is modeled after the command-buffer/fence discipline used by
// modern native GPU APIs (Vulkan/Metal/D3D12 style HALs) and the
// compute-pipeline/bind-group vocabulary WebGPU exposes, generalized so
// a host-executed reference device (package swdevice) can satisfy it
// without any GPU hardware.
//
// Every kernel in the kernel library is a pair: a ComputePipeline
// description plus a host-side recorder that validates shapes,
// allocates buffers, and appends a Dispatch to a CommandEncoder. The
// device package owns none of that kernel-specific logic — it only
// defines the substrate the kernel library is built on.
package device

import (
	"context"
	"errors"
	"fmt"
)

// BufferUsage flags how a buffer will be used. Buffers may combine flags.
type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageCopySrc
	BufferUsageCopyDst
	// BufferUsageStaging marks a host-visible buffer used only to shuttle
	// bytes to/from a device-local buffer; see the ≤16 MiB staging pool
	// the weight loader uses during upload.
	BufferUsageStaging
)

// RequiredLimits is the set of limits a caller requests of a Device at
// creation time. A Device that cannot satisfy every non-zero limit must
// fail creation rather than silently clamp, because the loader and
// kernel library size their allocations against these limits.
type RequiredLimits struct {
	MaxBufferSize        uint64
	MaxStorageBindingSize uint64
	MaxBindGroups         int
}

// DeviceInfo describes an enumerated device, for BackendDevices()-style
// reporting.
type DeviceInfo struct {
	Name              string
	IsDiscreteGPU     bool
	TotalMemoryBytes  uint64
	SupportsTimestamp bool
}

// Buffer is an opaque device allocation. It carries no type information;
// the kernel library interprets its bytes.
type Buffer interface {
	Size() uint64
	Usage() BufferUsage

	// ReadBack copies the buffer contents to host memory. Forbidden while
	// a CommandEncoder holds an undispatched write to this buffer — see
	// CommandEncoder's documentation.
	ReadBack(ctx context.Context) ([]byte, error)

	// WriteAt uploads host bytes into the buffer at the given byte offset.
	// Used by the staged upload path (§4.2 step 4) and by Context.FromBytes.
	WriteAt(offset uint64, data []byte) error
}

// BindingKind distinguishes how a pipeline's declared binding is used.
type BindingKind int

const (
	BindingStorageBuffer BindingKind = iota
	BindingStorageBufferReadOnly
	BindingUniformBuffer
)

// BindGroupLayoutEntry is one declared binding. The universal kernel
// rule (§4.1) requires every pipeline to declare an explicit layout
// enumerating ALL bindings the shader source references, not only the
// ones the active entry point reads — "auto" layouts that drop
// unreferenced bindings are a correctness bug class (§7, silent-failure).
type BindGroupLayoutEntry struct {
	Binding uint32
	Kind    BindingKind
}

// BindGroupLayout is the explicit enumeration of bindings a
// ComputePipeline's shader declares.
type BindGroupLayout struct {
	Entries []BindGroupLayoutEntry
}

// Lookup returns the entry for a binding index, or false if the layout
// does not declare it.
func (l BindGroupLayout) Lookup(binding uint32) (BindGroupLayoutEntry, bool) {
	for _, e := range l.Entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return BindGroupLayoutEntry{}, false
}

// ErrImplicitLayout is returned by PipelineDescriptor validation when no
// BindGroupLayout was supplied. Implicit ("auto") layouts are forbidden.
var ErrImplicitLayout = errors.New("device: implicit bind-group layouts are forbidden, supply an explicit BindGroupLayout")

// ErrUndeclaredBinding is returned when a dispatch references a binding
// the pipeline's layout did not enumerate.
var ErrUndeclaredBinding = errors.New("device: binding not declared in bind-group layout")

// PipelineDescriptor describes a compute pipeline: its entry point name
// (for diagnostics), its explicit bind-group layout, and its workgroup
// size (for dispatch-count bookkeeping and linearization checks).
type PipelineDescriptor struct {
	Label         string
	Layout        *BindGroupLayout
	WorkgroupSize [3]uint32
}

// Validate enforces the universal kernel rules that apply to every
// pipeline regardless of which kernel it implements.
func (d PipelineDescriptor) Validate() error {
	if d.Layout == nil {
		return fmt.Errorf("pipeline %q: %w", d.Label, ErrImplicitLayout)
	}
	for _, n := range d.WorkgroupSize {
		if n == 0 {
			return fmt.Errorf("pipeline %q: workgroup size must be non-zero in every dimension", d.Label)
		}
	}
	return nil
}

// ComputePipeline is a created, validated pipeline ready for dispatch.
type ComputePipeline interface {
	Descriptor() PipelineDescriptor
}

// Binding binds a Buffer (or byte-range of one) to a pipeline binding
// index for a single dispatch.
type Binding struct {
	Index  uint32
	Buffer Buffer
	Offset uint64
	Size   uint64 // 0 means "rest of buffer"
}

// Dispatch is one kernel invocation appended to a CommandEncoder:
// a pipeline, its bindings, a uniform-struct payload (already
// serialized in the shader's declared field order — see uniform.go),
// and a workgroup count. GroupsY/GroupsZ left at 0 are treated as 1, so
// a 1-D dispatch sets only GroupsX.
type Dispatch struct {
	Pipeline    ComputePipeline
	Bindings    []Binding
	Uniform     []byte
	GroupsX     uint32
	GroupsY     uint32
	GroupsZ     uint32
	Label       string // for timestamp-query correlation and trace logs
}

// CommandEncoder is the Command Recorder of §3: an ordered, mutable
// sequence of dispatches pending submission. Debug readbacks
// (Buffer.ReadBack) are forbidden on a buffer the encoder has an
// undispatched write queued against — callers must Submit and Await
// first. Enforcement is up to the implementation: swdevice marks every
// writable binding's buffer at Append, and its Buffer.ReadBack returns
// an error until Submit has run that dispatch.
type CommandEncoder interface {
	// Append queues a dispatch. It validates the dispatch's bindings
	// against the pipeline's declared layout (ErrUndeclaredBinding); the
	// uniform payload's size is not checked.
	Append(d Dispatch) error

	// Count returns the number of dispatches queued so far.
	Count() int

	// Submit sends every queued dispatch to the device for execution and
	// returns a Fence the caller can Wait on. Submit clears the encoder's
	// queue; the encoder may be reused for the next batch of work.
	Submit() (Fence, error)
}

// Fence represents in-flight GPU work. Wait blocks until the
// corresponding Submit's dispatches have completed.
type Fence interface {
	Wait(ctx context.Context) error
}

// TimestampQuery is an optional capability; correctness must never
// depend on its availability (§6).
type TimestampQuery interface {
	// Elapsed returns wall time spent between two dispatch labels in the
	// most recently submitted batch, or false if timestamps are disabled.
	Elapsed(startLabel, endLabel string) (nanos uint64, ok bool)
}

// Device is the top-level abstract adapter of §6.
type Device interface {
	Info() DeviceInfo

	// CreateBuffer allocates a device buffer. size is in bytes.
	CreateBuffer(size uint64, usage BufferUsage) (Buffer, error)

	// CreatePipeline validates and creates a compute pipeline. It
	// rejects descriptors that fail PipelineDescriptor.Validate, and
	// rejects descriptors whose entry point (as resolved by the kernel
	// library's shader registry) references a binding the supplied
	// layout does not enumerate.
	CreatePipeline(desc PipelineDescriptor) (ComputePipeline, error)

	// NewEncoder creates a fresh CommandEncoder.
	NewEncoder() CommandEncoder

	// Timestamps returns the device's TimestampQuery capability, or nil
	// if unsupported.
	Timestamps() TimestampQuery

	Close() error
}

// Open creates a Device satisfying the given limits. name selects a
// registered device factory ("software" is always registered by
// package swdevice's init).
func Open(name string, limits RequiredLimits) (Device, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("device: no factory registered for %q", name)
	}
	return factory(limits)
}

type Factory func(limits RequiredLimits) (Device, error)

var factories = make(map[string]Factory)

// Register registers a device factory under name. Panics on duplicate
// registration, matching the engine's other plugin registries
// (ml.RegisterBackend, model.Register).
func Register(name string, f Factory) {
	if _, ok := factories[name]; ok {
		panic("device: factory already registered: " + name)
	}
	factories[name] = f
}
