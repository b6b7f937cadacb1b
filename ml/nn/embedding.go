package nn

import "github.com/clocksmith/doppler/ml"

// Embedding is the token-embedding matrix, one row per vocabulary
// entry. Forward is a row gather used for input-token lookup; the
// output projection is a separate nn.Linear (model/gemma3 ties it to
// token_embd through a gguf alt: tag), not this type.
type Embedding struct {
	Weight ml.Tensor `gguf:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
