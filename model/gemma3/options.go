// Modul: options.go
// Beschreibung: Konfigurationsoptionen fuer das Gemma-3 Text-Modell,
// gelesen direkt aus fs/ggml.KV (siehe model/model.go: der Konstruktor
// dieses Pakets bekommt ein ggml.KV statt des Teacher-eigenen fs.Config).
package gemma3

import "cmp"

// Options buendelt alle Konfigurationswerte, die attention.go und
// layer.go pro Vorwaertsdurchlauf brauchen, nach dem Vorbild von
// gemma3n/text_options.go, auf die Sandwich-Norm-Variante ohne
// AltUp/Laurel/Multimodal-Beimischung reduziert.
type Options struct {
	hiddenLayers         int
	hiddenSize           int
	numHeads, numKVHeads int
	headDim              int
	eps                  float32

	// ropeBase gilt fuer globale Layer, ropeBaseLocal fuer Sliding-Window-
	// Layer - Gemma-3 traegt zwei unterschiedliche RoPE-Basen, nicht eine
	// gemeinsame mit Scale-Faktor.
	ropeBase      float32
	ropeBaseLocal float32

	// slidingWindow ist die Fenstergroesse in Tokens fuer lokale Layer.
	// slidingWindowPattern ist, wenn vom Manifest gesetzt, ein expliziter
	// Bitvektor (true = lokal); ist er leer, greift das Standard-Schema
	// von fuenf lokalen Layern pro einem globalen Layer.
	slidingWindow        int32
	slidingWindowPattern []bool

	numExperts     int
	numExpertsUsed int
}

// isLocal meldet, ob Layer i ein Sliding-Window-Layer ist (wahr) oder ein
// globaler Vollattention-Layer (falsch).
func (o *Options) isLocal(i int) bool {
	if len(o.slidingWindowPattern) > 0 {
		return o.slidingWindowPattern[i%len(o.slidingWindowPattern)]
	}
	if o.slidingWindow <= 0 {
		return false
	}
	// Gemma-3 wechselt fuenf lokale Layer mit einem globalen Layer ab;
	// siehe spec.md 4.4's Beschreibung des Musters.
	return (i+1)%6 != 0
}

// ropeBaseFor gibt die RoPE-Basis zurueck, die Layer i verwenden soll.
func (o *Options) ropeBaseFor(i int) float32 {
	if o.isLocal(i) {
		return cmp.Or(o.ropeBaseLocal, o.ropeBase)
	}
	return o.ropeBase
}
