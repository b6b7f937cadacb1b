package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampler_GreedyPicksArgmax(t *testing.T) {
	s := New(Params{Temp: 0})
	logits := []float32{0.1, 0.2, 5.0, -1.0}
	assert.EqualValues(t, 2, s.Sample(logits))
	assert.EqualValues(t, 2, s.Sample(logits), "greedy sampling must be deterministic across calls")
}

func TestSampler_TopKRestrictsToStrongestCandidate(t *testing.T) {
	s := New(Params{Temp: 1, TopK: 1, Seed: 42})
	logits := []float32{0, 0, 10, 0}
	for range 5 {
		assert.EqualValues(t, 2, s.Sample(logits))
	}
}

func TestSampler_SeedIsDeterministic(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 5}
	a := New(Params{Temp: 1, TopK: 5, Seed: 7})
	b := New(Params{Temp: 1, TopK: 5, Seed: 7})

	for range 10 {
		assert.Equal(t, a.Sample(logits), b.Sample(logits))
	}
}

func TestSampler_RepeatPenaltyDiscouragesRecentToken(t *testing.T) {
	s := New(Params{Temp: 0, RepeatLastN: 4, PenaltyRepeat: 4})
	logits := []float32{2, 5, 2}

	first := s.Sample(logits)
	assert.EqualValues(t, 1, first)

	// Token 1 was just accepted; with a strong repeat penalty and
	// positive logit, 5/4 = 1.25 no longer outranks the other
	// candidates' 2.
	second := s.Sample(logits)
	assert.NotEqualValues(t, 1, second)
}

func TestSampler_ResetClearsHistory(t *testing.T) {
	s := New(Params{Temp: 0, RepeatLastN: 4, PenaltyRepeat: 4})
	logits := []float32{0, 5, 0}

	s.Sample(logits)
	s.Reset()

	assert.EqualValues(t, 1, s.Sample(logits), "after Reset the penalty history must not carry over")
}

func TestSoftmax_SumsToOne(t *testing.T) {
	cands := []candidate{{0, 1}, {1, 2}, {2, 3}}
	probs := softmax(cands)

	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestNucleus_KeepsAtLeastEnoughMassToReachP(t *testing.T) {
	cands := []candidate{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
	probs := []float64{0.5, 0.3, 0.15, 0.05}

	out, outProbs := nucleus(cands, probs, 0.8)
	assert.Len(t, out, 2)
	assert.Len(t, outProbs, 2)
}

func TestMinP_DropsLowProbabilityCandidates(t *testing.T) {
	cands := []candidate{{0, 0}, {1, 0}, {2, 0}}
	probs := []float64{0.8, 0.1, 0.02}

	out, _ := minP(cands, probs, 0.2)
	assert.Len(t, out, 1)
}
