// Modul: cache.go
// Beschreibung: Gemma-3 mischt pro Layer zwei unterschiedliche KV-Cache-
// Richtlinien: die meisten Layer sind Sliding-Window (begrenztes
// Fenster), jeder sechste Layer ist global (volle Kausal-Attention).
// gemma3n/model_text.go loest das ueber kvcache.WrapperCache und
// SetLayerType; dessen Quelle ist in diesem Paket-Abzug nicht enthalten,
// daher baut layerCache dasselbe Verhalten direkt aus den beiden
// offiziellen Konstruktoren kvcache.NewSWACache/NewCausalCache auf -
// zwei unabhaengige Causal-Instanzen, von denen SetLayer je nach
// Options.isLocal(i) die richtige auswaehlt.
package gemma3

import (
	"github.com/clocksmith/doppler/kvcache"
	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/model/input"
)

type layerCache struct {
	local  *kvcache.Causal
	global *kvcache.Causal
	opts   *Options
	active *kvcache.Causal
}

var _ kvcache.Cache = (*layerCache)(nil)

func newLayerCache(shift func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error), opts *Options) *layerCache {
	return &layerCache{
		local:  kvcache.NewSWACache(opts.slidingWindow, shift),
		global: kvcache.NewCausalCache(shift),
		opts:   opts,
	}
}

func (c *layerCache) Init(backend ml.Backend, dtype ml.DType, maxSequences, capacity, maxBatch int) {
	c.local.Init(backend, dtype, maxSequences, capacity, maxBatch)
	c.global.Init(backend, dtype, maxSequences, capacity, maxBatch)
}

func (c *layerCache) Close() {
	c.local.Close()
	c.global.Close()
}

func (c *layerCache) SetConfig(cfg ml.CacheConfig) {
	c.local.SetConfig(cfg)
	c.global.SetConfig(cfg)
}

func (c *layerCache) SetLayer(layer int) {
	if c.opts.isLocal(layer) {
		c.active = c.local
	} else {
		c.active = c.global
	}
	c.active.SetLayer(layer)
}

func (c *layerCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.active.Get(ctx)
}

func (c *layerCache) Put(ctx ml.Context, key, value ml.Tensor) {
	c.active.Put(ctx, key, value)
}

func (c *layerCache) StartForward(ctx ml.Context, batch input.Batch, reserve bool) error {
	if err := c.local.StartForward(ctx, batch, reserve); err != nil {
		return err
	}
	return c.global.StartForward(ctx, batch, reserve)
}

func (c *layerCache) CanResume(seq int, pos int32) bool {
	return c.local.CanResume(seq, pos) && c.global.CanResume(seq, pos)
}

func (c *layerCache) CopyPrefix(srcSeq, dstSeq int, len int32) {
	c.local.CopyPrefix(srcSeq, dstSeq, len)
	c.global.CopyPrefix(srcSeq, dstSeq, len)
}

func (c *layerCache) Remove(seq int, beginIndex, endIndex int32) error {
	if err := c.local.Remove(seq, beginIndex, endIndex); err != nil {
		return err
	}
	return c.global.Remove(seq, beginIndex, endIndex)
}
