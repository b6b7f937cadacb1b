// Package ggml - Tensor Catalog
//
// Nach dem Laden liegt jeder residente Tensor in einer unveraenderlichen
// Catalog-Map, getaggt mit seiner Variante (Dense, Q4KRowwise,
// Q4KDequantized). Der Matmul-Kernel entscheidet anhand dieser Variante,
// welchen Pfad er nimmt, ohne dass der Loader eine Rueckreferenz auf den
// Matmul-Code braucht.
package ggml

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/clocksmith/doppler/heap"
)

// Variant names how a resident tensor's bytes are laid out, so the
// matmul kernel can pick its dispatch path without consulting the
// loader again.
type Variant int

const (
	// VariantDense is an unquantized f32/f16/bf16 tensor, row-major.
	VariantDense Variant = iota
	// VariantQ4KRowwise is a Q4_K tensor whose manifest declared
	// "row-wise" layout: rows*ceil(cols/256)*144 bytes, directly
	// consumable by the fused Q4_K matmul kernel.
	VariantQ4KRowwise
	// VariantQ4KDequantized is a Q4_K tensor that arrived in the legacy
	// "packed" layout and was dequantized to f16 on load (only present
	// when the loader was run with --allow-packed-fallback).
	VariantQ4KDequantized
)

func (v Variant) String() string {
	switch v {
	case VariantQ4KRowwise:
		return "q4k-rowwise"
	case VariantQ4KDequantized:
		return "q4k-dequantized"
	default:
		return "dense"
	}
}

// ResidentTensor is one loaded, resident tensor: its manifest metadata,
// its storage dtype and variant, and the virtual address range of its
// bytes in the heap.
type ResidentTensor struct {
	Name    string
	DType   TensorType
	Shape   []uint64
	Variant Variant
	Addr    heap.VirtualAddress
	Size    uint64
	// Fingerprint is an xxhash of the manifest entry (name, shape,
	// dtype, shard, offset, length, digest) — cheap reload detection
	// distinct from the shard content digest below. A manifest edited
	// without a content change must not silently reuse a stale catalog
	// entry for a tensor whose metadata actually changed.
	Fingerprint uint64
}

// Catalog is the immutable, fully-resolved set of tensors available
// after LoadCatalog returns. It is safe for concurrent read-only use
// by every forward pass once loading completes.
type Catalog struct {
	Manifest *Manifest
	tensors  map[string]ResidentTensor
}

// Get looks up a resident tensor by its manifest name.
func (c *Catalog) Get(name string) (ResidentTensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Items returns every resident tensor, grouped into ggml_tensor.go's
// Layer/Tensors shape so GroupLayers keeps working unchanged.
func (c *Catalog) Items() []*Tensor {
	out := make([]*Tensor, 0, len(c.tensors))
	for _, rt := range c.tensors {
		out = append(out, &Tensor{Name: rt.Name, Kind: uint32(rt.DType), Shape: rt.Shape})
	}
	return out
}

const stagingBufferSize = 16 << 20 // 16 MiB, per the loader's staging-buffer ceiling

// LoadOptions controls loader behavior that affects correctness, not
// just performance: whether a packed-layout Q4_K tensor is tolerated
// via dequantize-on-load fallback.
type LoadOptions struct {
	AllowPackedFallback bool
}

// LoadCatalog streams every tensor named in the manifest from its shard
// file into h, verifying each tensor's declared digest and classifying
// quantized tensors by layout. Shard tensor loads for distinct shards
// run concurrently via errgroup; a single verification failure cancels
// the whole load (§5's all-or-nothing semantics) rather than leaving a
// partially-resident catalog.
func LoadCatalog(ctx context.Context, m *Manifest, h *heap.Heap, opts LoadOptions) (*Catalog, error) {
	byShard := make(map[string][]ManifestTensor)
	for _, t := range m.Tensors {
		byShard[t.Shard] = append(byShard[t.Shard], t)
	}

	cat := &Catalog{Manifest: m, tensors: make(map[string]ResidentTensor, len(m.Tensors))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for shard, tensors := range byShard {
		shard, tensors := shard, tensors
		g.Go(func() error {
			loaded, err := loadShard(gctx, m.ShardPath(shard), tensors, h, opts, m.Architecture)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, rt := range loaded {
				cat.tensors[rt.Name] = rt
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return cat, nil
}

func loadShard(ctx context.Context, path string, tensors []ManifestTensor, h *heap.Heap, opts LoadOptions, arch string) ([]ResidentTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ShardMissing{Shard: path, Err: err}
	}
	defer f.Close()

	// One bounded ringbuffer per shard stages every tensor's bytes in
	// chunks of at most stagingBufferSize; readShardRange still allocates
	// its own read buffer per tensor and a drain slice per chunk.
	stage := ringbuffer.New(stagingBufferSize)
	defer stage.Reset()

	out := make([]ResidentTensor, 0, len(tensors))
	for _, mt := range tensors {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		rt, err := materializeTensor(f, mt, h, stage, opts, arch)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

func materializeTensor(f *os.File, mt ManifestTensor, h *heap.Heap, stage *ringbuffer.RingBuffer, opts LoadOptions, arch string) (ResidentTensor, error) {
	dtype, err := ParseTensorType(mt.DType)
	if err != nil {
		return ResidentTensor{}, &UnsupportedDType{Tensor: mt.Name, DType: mt.DType}
	}

	addr, err := h.Alloc(mt.ByteLength)
	if err != nil {
		return ResidentTensor{}, &AllocationFailed{Tensor: mt.Name, Err: err}
	}
	dst, err := h.Bytes(addr, mt.ByteLength)
	if err != nil {
		return ResidentTensor{}, &AllocationFailed{Tensor: mt.Name, Err: err}
	}

	if err := readShardRange(f, mt.ByteOffset, dst, stage); err != nil {
		return ResidentTensor{}, &ShardMissing{Shard: mt.Shard, Err: err}
	}

	if mt.Digest != "" {
		sum := blake2b.Sum256(dst)
		if fmt.Sprintf("%x", sum) != mt.Digest {
			return ResidentTensor{}, &ShardMissing{Shard: mt.Shard, Err: fmt.Errorf("tensor %q: digest mismatch", mt.Name)}
		}
	}

	if needsNormOffset(arch, mt.Name) {
		// Applied after the digest check, never before: the manifest
		// digest covers the checkpoint's own bytes, not this loader's
		// offset, so folding it in first would make every Gemma norm
		// tensor fail verification.
		applyNormOffset(dtype, dst)
	}

	variant := VariantDense
	size := mt.ByteLength
	if dtype == TensorTypeQ4_K {
		rows, cols := rowsCols(mt.Shape)
		expected := rows * ceilDiv(cols, 256) * dtype.TypeSize()
		if mt.Layout == "row-wise" {
			if mt.ByteLength != expected {
				return ResidentTensor{}, &LayoutMismatch{Tensor: mt.Name, Expected: expected, Actual: mt.ByteLength}
			}
			variant = VariantQ4KRowwise
		} else {
			if !opts.AllowPackedFallback {
				return ResidentTensor{}, &LayoutMismatch{Tensor: mt.Name, Expected: expected, Actual: mt.ByteLength}
			}
			deq, err := dequantizeQ4KPacked(dst, rows, cols)
			if err != nil {
				return ResidentTensor{}, &AllocationFailed{Tensor: mt.Name, Err: err}
			}
			dqAddr, err := h.Alloc(uint64(len(deq)))
			if err != nil {
				return ResidentTensor{}, &AllocationFailed{Tensor: mt.Name, Err: err}
			}
			dqDst, err := h.Bytes(dqAddr, uint64(len(deq)))
			if err != nil {
				return ResidentTensor{}, &AllocationFailed{Tensor: mt.Name, Err: err}
			}
			copy(dqDst, deq)
			addr = dqAddr
			size = uint64(len(deq))
			dtype = TensorTypeF16
			variant = VariantQ4KDequantized
		}
	}

	fp := fingerprint(mt)

	return ResidentTensor{
		Name:        mt.Name,
		DType:       dtype,
		Shape:       mt.Shape,
		Variant:     variant,
		Addr:        addr,
		Size:        size,
		Fingerprint: fp,
	}, nil
}

func readShardRange(f *os.File, offset uint64, dst []byte, stage *ringbuffer.RingBuffer) error {
	remaining := dst
	pos := int64(offset)
	buf := make([]byte, stagingBufferSize)
	for len(remaining) > 0 {
		n := len(buf)
		if n > len(remaining) {
			n = len(remaining)
		}
		read, err := f.ReadAt(buf[:n], pos)
		if err != nil {
			return err
		}
		if _, err := stage.Write(buf[:read]); err != nil {
			return err
		}
		drained := make([]byte, read)
		if _, err := stage.Read(drained); err != nil {
			return err
		}
		copy(remaining, drained)
		remaining = remaining[read:]
		pos += int64(read)
	}
	return nil
}

func fingerprint(mt ManifestTensor) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%v|%s|%s|%d|%d|%s", mt.Name, mt.Shape, mt.DType, mt.Shard, mt.ByteOffset, mt.ByteLength, mt.Digest)
	return h.Sum64()
}

func rowsCols(shape []uint64) (rows, cols uint64) {
	if len(shape) == 0 {
		return 0, 0
	}
	cols = shape[len(shape)-1]
	rows = 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	return rows, cols
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
