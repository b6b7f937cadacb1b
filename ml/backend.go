// Package ml - Backend-Interface und Registry
//
// Ein Backend buendelt ein geoeffnetes device.Device mit dem
// Tensor-Catalog des geladenen Modells. NewBackend entspricht dem
// Einstiegspunkt, den model.New aufruft.
package ml

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/clocksmith/doppler/device"
	_ "github.com/clocksmith/doppler/device/swdevice"
	"github.com/clocksmith/doppler/fs/ggml"
	"github.com/clocksmith/doppler/heap"
)

// Backend ist die Laufzeitsicht auf ein geladenes Modell: der Tensor-
// Zugriff (Get), die Modellkonfiguration (Config) und die Faehigkeit,
// neue Contexts fuer Forward-Passes zu eroeffnen.
type Backend interface {
	Config() ggml.KV
	Get(name string) Tensor
	NewContext() Context
	NewContextSize(size int) Context
	Close() error

	// SubmitCount gibt die Anzahl der Submit-Aufrufe seit dem letzten
	// ResetSubmitCount zurueck. engine/ liest das vor und nach einem
	// Forward-Durchlauf, um die Batching-Kennzahlen
	// gpu_submit_count_prefill/decode zu fuellen.
	SubmitCount() int
	ResetSubmitCount()

	// HeapBytes gibt die gesamte von den Heap-Segmenten belegte
	// Kapazitaet zurueck, als Naeherung fuer estimated_vram_bytes_peak.
	HeapBytes() uint64
}

type backendImpl struct {
	dev         device.Device
	heap        *heap.Heap
	catalog     *ggml.Catalog
	tensors     map[string]Tensor
	submitCount atomic.Int64
}

// NewBackend opens the device named in params, loads the manifest at
// manifestPath plus its shards into a segmented heap, and returns a
// Backend whose Get resolves tensor names through the resulting
// catalog.
func NewBackend(manifestPath string, params BackendParams) (Backend, error) {
	deviceName := params.DeviceName
	if deviceName == "" {
		deviceName = "software"
	}

	dev, err := device.Open(deviceName, device.RequiredLimits{
		MaxBufferSize:         1 << 34,
		MaxStorageBindingSize: 1 << 34,
		MaxBindGroups:         4,
	})
	if err != nil {
		return nil, fmt.Errorf("ml: opening device %q: %w", deviceName, err)
	}

	manifest, err := ggml.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	h := heap.New(heap.Probe())
	cat, err := ggml.LoadCatalog(context.Background(), manifest, h, ggml.LoadOptions{})
	if err != nil {
		return nil, err
	}

	be := &backendImpl{dev: dev, heap: h, catalog: cat, tensors: make(map[string]Tensor)}
	for _, item := range cat.Items() {
		rt, _ := cat.Get(item.Name)
		t, err := be.residentToTensor(rt)
		if err != nil {
			return nil, fmt.Errorf("ml: materializing tensor %q onto device: %w", item.Name, err)
		}
		be.tensors[item.Name] = t
	}

	return be, nil
}

func (b *backendImpl) Config() ggml.KV { return b.catalog.Manifest.KV() }

func (b *backendImpl) Get(name string) Tensor { return b.tensors[name] }

func (b *backendImpl) NewContext() Context { return b.NewContextSize(1) }

func (b *backendImpl) NewContextSize(size int) Context {
	return newContext(b, size)
}

func (b *backendImpl) Close() error { return b.dev.Close() }

func (b *backendImpl) SubmitCount() int { return int(b.submitCount.Load()) }

func (b *backendImpl) ResetSubmitCount() { b.submitCount.Store(0) }

func (b *backendImpl) HeapBytes() uint64 { return b.heap.TotalBytes() }

// backendFactories holds the constructors passed to RegisterBackend,
// following the pattern device.Register/model.Register use elsewhere in
// this module. NewBackend does not consult it.
var backendFactories = make(map[string]func(string, BackendParams) (Backend, error))

// RegisterBackend records an alternate Backend constructor under name
// and panics on a duplicate name. Nothing in this module looks a
// registered constructor up; NewBackend always builds the default
// manifest+device backend.
func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backendFactories[name]; ok {
		panic("ml: backend already registered: " + name)
	}
	backendFactories[name] = f
}
