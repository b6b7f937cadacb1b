// Modul: generate.go
// Beschreibung: generate treibt den eigentlichen Dekodier-Loop: Prefill
// ueber die Prompt-Tokens, dann Token fuer Token sample+forward, als
// asynchroner Strom von Token-IDs auf einem Channel - demselben Muster
// wie der Teacher's runner/ollamarunner.Sequence (ein Channel
// "responses", aus dem der Aufrufer liest, bis die Sequenz fertig ist
// oder abbricht). Frueher Abbruch geschieht hier nicht durch Schliessen
// des Kanals selbst, sondern indem der Aufrufer den uebergebenen
// context.Context abbricht - der Dekodier-Loop waehlt zwischen "Token
// senden" und "ctx.Done()" per select, genau wie ein Aufrufer, der den
// Empfangskanal fallen laesst, es ohnehin muesste, um das Leck zu
// vermeiden.
package engine

import (
	"context"
	"time"

	"github.com/clocksmith/doppler/model"
	"github.com/clocksmith/doppler/model/input"
	"github.com/clocksmith/doppler/sampling"
)

// GenerateOptions steuert einen generate-Aufruf. StartPos erlaubt dem
// Aufrufer, an eine zuvor gecachte Position anzuknuepfen, statt den
// gesamten Prompt erneut zu verarbeiten.
type GenerateOptions struct {
	MaxTokens        int
	Temperature      float32
	TopK             int
	TopP             float32
	StartPos         int32
	Seed             uint64
	PromptConvention string
}

// Token ist ein Element des generate-Stroms: entweder ein erzeugtes
// Token oder - beim letzten Element vor Kanalende - ein Fehler.
type Token struct {
	ID  int32
	Err error
}

// generate fuehrt Prefill + Dekodier-Loop fuer promptIDs aus und liefert
// einen Kanal erzeugter Token-IDs zurueck, plus das GenerationStats, das
// der Aufrufer nach Kanalende (geschlossen) ausliest.
func generate(ctx context.Context, h *ModelHandle, promptIDs []int32, opts GenerateOptions) (<-chan Token, *GenerationStats) {
	out := make(chan Token)
	stats := &GenerationStats{PromptConvention: opts.PromptConvention}

	go runGenerate(ctx, h, promptIDs, opts, out, stats)

	return out, stats
}

// Generate ist die oeffentliche Form von generate.
func Generate(ctx context.Context, h *ModelHandle, promptIDs []int32, opts GenerateOptions) (<-chan Token, *GenerationStats) {
	return generate(ctx, h, promptIDs, opts)
}

const sequenceID = 0

func runGenerate(ctx context.Context, h *ModelHandle, promptIDs []int32, opts GenerateOptions, out chan<- Token, stats *GenerationStats) {
	defer close(out)
	defer stats.finalize(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	backend := h.backend
	backend.ResetSubmitCount()

	sampler := sampling.New(sampling.Params{
		TopK: opts.TopK,
		TopP: opts.TopP,
		Temp: opts.Temperature,
		Seed: opts.Seed,
	})

	positions := make([]int32, len(promptIDs))
	sequences := make([]int, len(promptIDs))
	for i := range promptIDs {
		positions[i] = opts.StartPos + int32(i)
		sequences[i] = sequenceID
	}

	prefillStart := time.Now()
	mctx := backend.NewContextSize(len(promptIDs))
	defer mctx.Close()

	batch := input.Batch{
		Inputs:    mctx.Input().FromInts(promptIDs, len(promptIDs)),
		Outputs:   mctx.Input().FromInts([]int32{int32(len(promptIDs) - 1)}, 1),
		Positions: positions,
		Sequences: sequences,
	}

	logits, err := model.Forward(mctx, h.m, batch)
	if err != nil {
		sendErr(ctx, out, err)
		return
	}

	stats.PrefillMillis = millisSince(prefillStart)
	stats.TTFTMillis = stats.PrefillMillis
	if stats.PrefillMillis > 0 {
		stats.PrefillTokensPerSec = float64(len(promptIDs)) / (stats.PrefillMillis / 1000)
	}
	stats.GPUSubmitCountPrefill = backend.SubmitCount()
	stats.EstimatedVRAMBytesPeak = backend.HeapBytes()

	nextLogits := logits.Floats(mctx)
	pos := opts.StartPos + int32(len(promptIDs))

	backend.ResetSubmitCount()
	decodeStart := time.Now()

	for i := 0; i < opts.MaxTokens; i++ {
		tokenStart := time.Now()

		token := sampler.Sample(nextLogits)

		select {
		case out <- Token{ID: token}:
		case <-ctx.Done():
			return
		}

		stats.recordDecodeToken(millisSince(tokenStart))

		if i == opts.MaxTokens-1 {
			break
		}

		dctx := backend.NewContextSize(1)
		batch = input.Batch{
			Inputs:    dctx.Input().FromInts([]int32{token}, 1),
			Outputs:   dctx.Input().FromInts([]int32{0}, 1),
			Positions: []int32{pos},
			Sequences: []int{sequenceID},
		}

		logits, err = model.Forward(dctx, h.m, batch)
		if err != nil {
			dctx.Close()
			sendErr(ctx, out, err)
			return
		}
		nextLogits = logits.Floats(dctx)
		dctx.Close()
		pos++
	}

	stats.DecodeMillisTotal = millisSince(decodeStart)
	stats.GPUSubmitCountDecode = backend.SubmitCount()
}

func sendErr(ctx context.Context, out chan<- Token, err error) {
	select {
	case out <- Token{Err: err}:
	case <-ctx.Done():
	}
}
