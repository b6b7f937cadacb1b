// Modul: handle.go
// Beschreibung: ModelHandle ist der einzige Zustand, den ein Aufrufer
// zwischen loadModel und releaseModel festhaelt - ein geladenes Modell
// plus sein Backend und KV-Cache. Der Aufbau (Backend oeffnen, Model
// konstruieren, Cache initialisieren) folgt model.New/model.Forward
// (model/model.go), nur dass loadModel hier zusaetzlich den
// Manifest-Pfad selbst prueft, um NotFound von einem kaputten Manifest
// zu unterscheiden (fs/ggml.LoadManifest wrappt beides andernfalls
// gleich in MalformedManifest).
package engine

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/clocksmith/doppler/ml"
	"github.com/clocksmith/doppler/model"
	_ "github.com/clocksmith/doppler/model/gemma3"
)

// ModelHandle ist das Objekt, das generate/clearKVCache/releaseModel
// entgegennehmen. Es ist nicht nebenlaeufigkeitssicher gegenueber
// parallelen generate-Aufrufen auf derselben Sequenz - ein Aufrufer,
// der mehrere Sequenzen parallel bedienen will, braucht mehrere
// ModelHandle oder eine eigene Sequenzverwaltung obendrauf.
type ModelHandle struct {
	ID uuid.UUID

	cfg     Config
	backend ml.Backend
	m       model.Model

	mu sync.Mutex

	// LoraAdapter ist ein engine-skopiertes, veraenderliches Feld statt
	// globalen Zustands: ein aktiver LoRA-Adapter (oder eine andere
	// Laufzeit-Variante) lebt genau so lange wie dieses Handle.
	LoraAdapter string
}

// loadModel oeffnet das Manifest unter manifestPath, konstruiert das
// dazu registrierte Modell und initialisiert seinen KV-Cache. Fehler
// sind NotFound (Pfad existiert nicht), MalformedManifest,
// LayoutMismatch oder AllocationFailed (alle drei aus fs/ggml/errors.go,
// unveraendert durchgereicht) - der Aufrufer bekommt ein Modell nie nur
// teilweise geladen: jeder dieser Fehler laesst loadModel nil
// zurueckgeben, nie ein ModelHandle mit kaputtem Backend.
func loadModel(manifestPath string, cfg Config) (*ModelHandle, error) {
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, &NotFound{Path: manifestPath, Err: err}
	}

	m, err := model.New(manifestPath, ml.BackendParams{
		DeviceName:     cfg.DeviceName,
		NumGPULayers:   cfg.NumGPULayers,
		FlashAttention: cfg.FlashAttention,
	})
	if err != nil {
		return nil, err
	}

	backend := m.Backend()
	if cache := m.Config().Cache; cache != nil {
		capacity := int(backend.Config().ContextLength())
		if capacity == 0 {
			capacity = cfg.MaxBatch
		}
		cache.Init(backend, ml.DTypeF16, cfg.MaxSequences, capacity, cfg.MaxBatch)
	}

	return &ModelHandle{
		ID:      uuid.New(),
		cfg:     cfg,
		backend: backend,
		m:       m,
	}, nil
}

// LoadModel ist die oeffentliche Form von loadModel; der kleingeschriebene
// Name bleibt als interner Name erhalten, weil spec.md's API-Abschnitt
// selbst loadModel/generate/clearKVCache/releaseModel in Kleinschreibung
// benennt.
func LoadModel(manifestPath string, cfg Config) (*ModelHandle, error) {
	return loadModel(manifestPath, cfg)
}

// clearKVCache setzt jede Sequenz im Cache auf Position 0 zurueck, ohne
// das Modell neu zu laden - siehe kvcache/sequence_ops.go's Remove, das
// genau diese Buchhaltung pro Zelle erledigt.
func (h *ModelHandle) clearKVCache() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cache := h.m.Config().Cache
	if cache == nil {
		return nil
	}
	for seq := 0; seq < max(h.cfg.MaxSequences, 1); seq++ {
		if err := cache.Remove(seq, 0, maxPos); err != nil {
			return fmt.Errorf("engine: clearing kv cache for sequence %d: %w", seq, err)
		}
	}
	return nil
}

// ClearKVCache ist die oeffentliche Form von clearKVCache.
func (h *ModelHandle) ClearKVCache() error { return h.clearKVCache() }

// maxPos steht fuer "bis ans Ende", genau wie math.MaxInt32 in
// kvcache.Causal.Remove's eigener endIndex-Konvention.
const maxPos = 1<<31 - 1

// releaseModel gibt das Backend frei (GPU-Puffer, Heap-Segmente,
// Scratch). Das ModelHandle darf danach nicht mehr verwendet werden.
func (h *ModelHandle) releaseModel() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cache := h.m.Config().Cache; cache != nil {
		cache.Close()
	}
	return h.backend.Close()
}

// ReleaseModel ist die oeffentliche Form von releaseModel.
func (h *ModelHandle) ReleaseModel() error { return h.releaseModel() }
