// Package kvcache - Typen und Datenstrukturen
//
// Causal speichert K- und V-Tensoren nach ihrer Position in der
// Sequenz. Get liefert die Historie sowie eine Maske fuer die
// Attention-Berechnung ueber vergangene Tokens.
//
// Die Tensoren haben die Form (embed dim, kv heads, batch size); die
// Maske hat die Form (history size, batch size).
package kvcache

import (
	"errors"

	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/model/input"
)

// ErrKvCacheFull is returned by findLocs when no free cells remain for
// the next batch.
var ErrKvCacheFull = errors.New("could not find a kv cache slot")

// ErrNotSupported is returned by shift when a cache was constructed
// without a shiftFn, so position shifting (context truncation, prefix
// eviction) has no RoPE re-application to apply.
var ErrNotSupported = errors.New("kv cache does not support shifting")

type shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)

// Cache is the interface model.Base's config exposes and every concrete
// cache (Causal, and hybrid caches that wrap it for recurrent layers)
// implements, so a model's layer driver never has to know which one it
// was handed.
type Cache interface {
	Init(backend ml.Backend, dtype ml.DType, maxSequences, capacity, maxBatch int)
	Close()

	SetConfig(ml.CacheConfig)
	SetLayer(layer int)

	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)
	Put(ctx ml.Context, key, value ml.Tensor)

	StartForward(ctx ml.Context, batch input.Batch, reserve bool) error
	CanResume(seq int, pos int32) bool
	CopyPrefix(srcSeq, dstSeq int, len int32)
	Remove(seq int, beginIndex, endIndex int32) error
}

var _ Cache = (*Causal)(nil)

type Causal struct {
	DType ml.DType

	// swaWindowSize is the number of tokens included in the mask during
	// attention. swaMemorySize is the number of tokens retained in memory
	// for partial prefix caching. Both are math.MaxInt32 when sliding
	// window attention is not in use.
	swaWindowSize int32
	swaMemorySize int32

	chunkSize int32

	opts CausalOptions

	// maxBatch is the largest batch this cache might receive.
	maxBatch int

	// config controls mostly backend-specific optimizations.
	config *ml.CacheConfig

	// ** current forward pass **

	curBatchSize int
	curLoc       ml.Tensor
	curMask      ml.Tensor
	curLayer     int
	curCellRange cellRange
	curSequences []int
	curPositions []int32

	// ** cache metadata **

	cells      []cacheCell
	cellRanges map[int]cellRange

	// ** cache data storage **

	shiftFn      shiftFn
	backend      ml.Backend
	ctxs         map[int]ml.Context
	keys, values map[int]ml.Tensor
}

type cacheCell struct {
	pos       int32
	sequences []int
}

type cellRange struct {
	min int
	max int
}

// CausalOptions disables causal mask generation for specific batch
// indices in the next call to Get.
type CausalOptions struct {
	Except []int
}
