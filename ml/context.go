// Package ml - Context: Forward-Pass-Scope und Command-Batching
//
// Ein Context buendelt einen CommandEncoder mit einer Layer-Zuordnung.
// Tensor-Operationen haengen ihre Dispatches an den Context-eigenen
// Encoder an und loesen direkt danach selbst Submit+Wait aus (flush):
// ein Submit pro Operation. Forward gibt seinen Tensor nur unveraendert
// zurueck; Compute submittiert, was noch in der Warteschlange steht.
package ml

import (
	"context"
	"fmt"

	"github.com/clocksmith/doppler/device"
)

// Context is the scope a model's Forward implementation and kvcache
// operate against: it creates fresh tensors, records dispatches, and
// submits them (every op flushes right after recording; Compute submits
// anything still queued).
type Context interface {
	// Input returns the context to build input tensors (token ids,
	// positions, masks) in, matching the teacher's ctx.Input() call
	// convention. In this build it returns the receiver itself.
	Input() Context

	// Layer returns a context scoped to transformer layer n, used by
	// kvcache to allocate each layer's K/V tensors. It shares the
	// parent's encoder; Close releases nothing.
	Layer(n int) Context

	FromFloats(data []float32, dims ...int) Tensor
	FromInts(data []int32, dims ...int) Tensor
	Zeros(dtype DType, dims ...int) Tensor

	// Forward returns t unchanged and has no other effect: t's producing
	// dispatch was already recorded and submitted by the op that created
	// it. Kept for the teacher's ctx.Forward(t) call convention.
	Forward(t Tensor) Tensor

	// Compute submits every dispatch recorded since the last Compute
	// and blocks until the device fence signals completion.
	Compute(outputs ...Tensor) error

	Close()
}

type ctxImpl struct {
	be      *backendImpl
	layer   int
	size    int
	encoder device.CommandEncoder
}

func newContext(be *backendImpl, size int) *ctxImpl {
	return &ctxImpl{be: be, size: size, encoder: be.dev.NewEncoder()}
}

func (c *ctxImpl) Input() Context { return c }

func (c *ctxImpl) Layer(n int) Context {
	return &ctxImpl{be: c.be, layer: n, size: c.size, encoder: c.encoder}
}

// FromFloats, FromInts and Zeros are implemented in convert.go.

func (c *ctxImpl) Forward(t Tensor) Tensor {
	return t
}

func (c *ctxImpl) Compute(outputs ...Tensor) error {
	if c.encoder.Count() == 0 {
		return nil
	}
	fence, err := c.encoder.Submit()
	if err != nil {
		return fmt.Errorf("ml: submitting command batch: %w", err)
	}
	c.be.submitCount.Add(1)
	return fence.Wait(context.Background())
}

func (c *ctxImpl) Close() {}

// flush submits and awaits the dispatches queued so far. swdevice
// executes a Submit synchronously, so every tensor op flushes
// immediately after recording its dispatch: an op that needs to read
// bytes back on the host (Contiguous's strided reordering) must never
// observe a producing dispatch that is still only queued. A backend
// with a real asynchronous device queue could instead batch many
// dispatches before a single flush; no such batching policy exists in
// this module.
func (c *ctxImpl) flush() {
	if err := c.Compute(); err != nil {
		panic(fmt.Sprintf("ml: flush: %v", err))
	}
}
