package nn

import (
	"github.com/clocksmith/doppler/kvcache"
	"github.com/clocksmith/doppler/ml"
)

// Attention runs scaled-dot-product attention for one layer against
// cache, the way the teacher's model packages call a single
// nn.Attention helper rather than re-deriving QK^T/softmax/V in every
// architecture's attention file. query, key and value are
// (headDim, heads, seqLen) shaped, one plane per head; key/value may be
// nil when a layer shares a neighboring layer's KV (Gemma-3's
// sharedKeyValueLayers), in which case only the cache's existing
// content for this layer is read.
//
// The reference device has no batched-matmul kernel, so this loops
// over query heads explicitly, mapping each to its GQA group's KV head
// (numHeads/numKVHeads repeats per kv head) the same way the cache
// layout already assumes one KV plane serves a whole group.
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float32, cache kvcache.Cache) ml.Tensor {
	if key != nil {
		cache.Put(ctx, key, value)
	}
	ckey, cvalue, mask := cache.Get(ctx)

	headDim := query.Dim(0)
	numHeads := query.Dim(1)
	seqLen := query.Dim(2)
	numKVHeads := ckey.Dim(1)
	cachedSize := ckey.Dim(2)
	group := numHeads / numKVHeads

	out := ctx.Zeros(query.DType(), headDim, numHeads, seqLen)

	for h := 0; h < numHeads; h++ {
		kvHead := h / group

		// Every view below lists its contracted/fast axis first, dim 0,
		// matching MatMul's k := t.shape[0] convention (see ml/ops.go).
		// qh: (headDim, seqLen), k=headDim.
		qh := query.View(ctx, h*query.Stride(1), headDim, query.Stride(0), seqLen, query.Stride(2)).Contiguous(ctx)
		// kh: (headDim, cachedSize), k=headDim, n=cachedSize.
		kh := ckey.View(ctx, kvHead*ckey.Stride(1), headDim, ckey.Stride(0), cachedSize, ckey.Stride(2)).Contiguous(ctx)
		// vh: (cachedSize, headDim), k=cachedSize, n=headDim.
		vh := cvalue.View(ctx, kvHead*cvalue.Stride(1), cachedSize, cvalue.Stride(2), headDim, cvalue.Stride(0)).Contiguous(ctx)

		scores := qh.MatMul(ctx, kh) // (cachedSize, seqLen)
		scores = scores.Scale(ctx, scale)
		if mask != nil {
			scores = scores.Add(ctx, mask)
		}
		scores = scores.Softmax(ctx) // normalizes over dim 0 (cachedSize)

		ctxHead := scores.MatMul(ctx, vh) // (headDim, seqLen)
		dst := out.View(ctx, h*out.Stride(1), headDim, out.Stride(0), seqLen, out.Stride(2))
		ctxHead.Copy(ctx, dst)
	}

	return out
}
