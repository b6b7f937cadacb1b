// Package sampling waehlt das naechste Token aus einem Logit-Vektor,
// den engine/ nach jedem model.Forward bekommt. Die Parameter-Namen
// folgen llama/llama_sampling.go's SamplingParams
// (TopK/TopP/MinP/TypicalP/Temp/RepeatLastN/PenaltyRepeat/PenaltyFreq/
// PenaltyPresent/Seed) - dort sind sie nur C-Bindings an
// common_sampler_cinit, die eigentliche Sampling-Arithmetik lebt in
// llama.cpp; dieses Paket implementiert dieselbe, in der Praxis ueber
// viele Sampler-Bibliotheken hinweg gleiche Pipeline direkt in Go:
// Strafen anwenden, Temperatur skalieren, Top-K/typical/Top-P/Min-P
// filtern, dann eine gewichtete Auswahl ziehen.
package sampling

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Params steuert eine Sampler-Instanz. Ein Feld auf seinem neutralen
// Wert (0, oder fuer TopP/TypicalP >=1) deaktiviert den jeweiligen
// Filter, statt einen Sonderfall im Aufrufer zu erzwingen.
type Params struct {
	TopK           int
	TopP           float32
	MinP           float32
	TypicalP       float32
	Temp           float32
	RepeatLastN    int
	PenaltyRepeat  float32
	PenaltyFreq    float32
	PenaltyPresent float32
	Seed           uint64
}

// Sampler haelt die pro-Sequenz noetige Historie fuer die
// Wiederholungs-/Frequenz-/Praesenz-Strafen und einen eigenen,
// seed-gesteuerten Zufallsgenerator, damit zwei Sequenzen mit
// demselben Seed deterministisch dieselben Tokens ziehen, unabhaengig
// von der Reihenfolge, in der der Aufrufer mehrere Sampler bedient.
type Sampler struct {
	params  Params
	history []int32
	rng     *rand.Rand
}

// New erstellt einen Sampler. Ein Seed von 0 zieht einen zufaelligen
// Seed vom globalen Generator, statt jede Sequenz ohne expliziten Seed
// auf denselben Startzustand zu setzen.
func New(params Params) *Sampler {
	seed := params.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{
		params: params,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Accept merkt sich token fuer die naechste Strafenberechnung und
// kappt die Historie auf RepeatLastN, wenn gesetzt.
func (s *Sampler) Accept(token int32) {
	s.history = append(s.history, token)
	if s.params.RepeatLastN > 0 && len(s.history) > s.params.RepeatLastN {
		s.history = s.history[len(s.history)-s.params.RepeatLastN:]
	}
}

// Reset leert die Strafen-Historie, etwa wenn eine Sequenz fuer eine
// neue Anfrage wiederverwendet wird.
func (s *Sampler) Reset() {
	s.history = s.history[:0]
}

type candidate struct {
	id    int32
	logit float64
}

// Sample waehlt ein Token aus logits (ein Eintrag pro Vokabeleintrag)
// und ruft Accept fuer das Ergebnis selbst auf, damit ein Aufrufer
// Sample/Accept nicht in jedem Schritt manuell koppeln muss.
func (s *Sampler) Sample(logits []float32) int32 {
	work := make([]float64, len(logits))
	for i, v := range logits {
		work[i] = float64(v)
	}
	s.applyPenalties(work)

	if s.params.Temp <= 0 {
		token := int32(floats.MaxIdx(work))
		s.Accept(token)
		return token
	}

	floats.Scale(1/float64(s.params.Temp), work)

	cands := make([]candidate, len(work))
	for i, v := range work {
		cands[i] = candidate{int32(i), v}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	if k := s.params.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}

	probs := softmax(cands)

	if tp := float64(s.params.TypicalP); tp > 0 && tp < 1 {
		cands, probs = typical(cands, probs, tp)
		sortByProbDesc(cands, probs)
	}
	if p := float64(s.params.TopP); p > 0 && p < 1 {
		cands, probs = nucleus(cands, probs, p)
	}
	if mp := float64(s.params.MinP); mp > 0 {
		cands, probs = minP(cands, probs, mp)
	}

	token := cands[weightedChoice(s.rng, probs)].id
	s.Accept(token)
	return token
}

// applyPenalties implementiert llama.cpp's Standardformel fuer
// Wiederholungs-/Frequenz-/Praesenz-Strafen: ein bereits gesehenes
// Token wird durch PenaltyRepeat geteilt (bei positivem Logit) oder
// damit multipliziert (bei negativem), und zusaetzlich um
// count*PenaltyFreq + PenaltyPresent gesenkt.
func (s *Sampler) applyPenalties(logits []float64) {
	if s.params.RepeatLastN == 0 || len(s.history) == 0 {
		return
	}

	counts := make(map[int32]int, len(s.history))
	for _, t := range s.history {
		counts[t]++
	}

	for tok, count := range counts {
		if int(tok) < 0 || int(tok) >= len(logits) {
			continue
		}
		if s.params.PenaltyRepeat != 0 {
			if logits[tok] > 0 {
				logits[tok] /= float64(s.params.PenaltyRepeat)
			} else {
				logits[tok] *= float64(s.params.PenaltyRepeat)
			}
		}
		logits[tok] -= float64(count)*float64(s.params.PenaltyFreq) + float64(s.params.PenaltyPresent)
	}
}

func softmax(cands []candidate) []float64 {
	raw := make([]float64, len(cands))
	for i, c := range cands {
		raw[i] = c.logit
	}
	maxLogit := floats.Max(raw)
	probs := make([]float64, len(raw))
	for i, v := range raw {
		probs[i] = math.Exp(v - maxLogit)
	}
	renorm(probs)
	return probs
}

func renorm(probs []float64) {
	sum := floats.Sum(probs)
	if sum > 0 {
		floats.Scale(1/sum, probs)
	}
}

func sortByProbDesc(cands []candidate, probs []float64) {
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	sortedCands := make([]candidate, len(cands))
	sortedProbs := make([]float64, len(probs))
	for i, j := range idx {
		sortedCands[i] = cands[j]
		sortedProbs[i] = probs[j]
	}
	copy(cands, sortedCands)
	copy(probs, sortedProbs)
}

// nucleus implementiert Top-P/Nucleus-Sampling: behaelt die
// wahrscheinlichsten Kandidaten, deren kumulative Masse gerade p
// erreicht. cands/probs muessen absteigend nach Wahrscheinlichkeit
// sortiert sein.
func nucleus(cands []candidate, probs []float64, p float64) ([]candidate, []float64) {
	cum := 0.0
	cut := len(cands)
	for i, pr := range probs {
		cum += pr
		if cum >= p {
			cut = i + 1
			break
		}
	}
	out, outProbs := cands[:cut], append([]float64(nil), probs[:cut]...)
	renorm(outProbs)
	return out, outProbs
}

// minP verwirft Kandidaten, deren Wahrscheinlichkeit unter
// minP*wahrscheinlichstesKandidat liegt.
func minP(cands []candidate, probs []float64, mp float64) ([]candidate, []float64) {
	if len(probs) == 0 {
		return cands, probs
	}
	threshold := probs[0] * mp
	cut := len(cands)
	for i, pr := range probs {
		if pr < threshold {
			cut = i
			break
		}
	}
	if cut == 0 {
		cut = 1
	}
	out, outProbs := cands[:cut], append([]float64(nil), probs[:cut]...)
	renorm(outProbs)
	return out, outProbs
}

// typical implementiert lokal-typisches Sampling: Kandidaten werden
// nach Abweichung ihrer negativen Log-Wahrscheinlichkeit von der
// Verteilungsentropie sortiert (statt nach roher Wahrscheinlichkeit)
// und bis zur kumulativen Masse tp behalten.
func typical(cands []candidate, probs []float64, tp float64) ([]candidate, []float64) {
	entropy := 0.0
	for _, pr := range probs {
		if pr > 0 {
			entropy -= pr * math.Log(pr)
		}
	}

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	deviation := make([]float64, len(probs))
	for i, pr := range probs {
		if pr > 0 {
			deviation[i] = math.Abs(-math.Log(pr) - entropy)
		}
	}
	sort.Slice(order, func(i, j int) bool { return deviation[order[i]] < deviation[order[j]] })

	cum := 0.0
	cut := len(order)
	for i, idx := range order {
		cum += probs[idx]
		if cum >= tp {
			cut = i + 1
			break
		}
	}

	outCands := make([]candidate, cut)
	outProbs := make([]float64, cut)
	for i, idx := range order[:cut] {
		outCands[i] = cands[idx]
		outProbs[i] = probs[idx]
	}
	renorm(outProbs)
	return outCands, outProbs
}

func weightedChoice(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}
