// Package input describes the token/position batches a Model.Forward
// implementation consumes and the per-token bookkeeping the runner
// builds them from.
package input

import "github.com/clocksmith/doppler/ml"

// Input is one token slated for the next batch, tagged with any
// multimodal payload a PostTokenize pass inserted ahead of it.
type Input struct {
	Token int32

	// Multimodal holds non-text content (e.g. an image embedding) this
	// input stands in for. Always empty in a text-only build.
	Multimodal []byte
}

// MultimodalIndex marks where in a batch's Inputs an EncodeMultimodal
// result belongs.
type MultimodalIndex struct {
	Index      int
	Multimodal any
}

// Batch is the unit a single forward pass processes: token ids,
// per-token sequence/position bookkeeping, and the decoder's output
// selection.
type Batch struct {
	// Inputs is the i32 tensor of token ids for this batch.
	Inputs ml.Tensor

	// Outputs selects which of Inputs' positions the caller wants
	// logits for (the last token of each sequence, typically).
	Outputs ml.Tensor

	// Positions is pos-in-sequence, one per entry in Inputs.
	Positions []int32

	// Sequences is the owning sequence id, one per entry in Inputs.
	Sequences []int

	// Multimodal is empty in a text-only build; kept so a model's
	// MultimodalProcessor interface has somewhere to place its output.
	Multimodal []MultimodalIndex
}
