// Modul: config.go
// Beschreibung: Engine-weite Strukturkonfiguration (Geraetelimits,
// Batching-Vorgaben, Probe-Obergrenzen) - ausdruecklich NICHT die
// Modellarchitektur, die bleibt im Manifest-JSON. Gelesen aus einer
// optionalen YAML-Datei (gopkg.in/yaml.v3, nach demselben Muster, mit
// dem inference-sim seine eigene Lauf-Konfiguration beschreibt), mit
// Umgebungsvariablen-Overrides fuer jedes Feld, das die YAML-Datei
// auslaesst, im Stil von envconfig's eigenen Var/String/Uint-Gettern.
package engine

import (
	"cmp"
	"os"
	"strconv"

	"github.com/clocksmith/doppler/envconfig"
	"gopkg.in/yaml.v3"
)

// Config buendelt alles, was eine laufende Engine-Instanz braucht,
// unabhaengig davon, welches Modell gerade geladen ist.
type Config struct {
	// DeviceName waehlt das device.Device (z.B. "software"); leer laesst
	// ml.NewBackend seinen eigenen Default ("software") verwenden.
	DeviceName string `yaml:"device_name"`

	// NumGPULayers und FlashAttention reichen direkt an
	// ml.BackendParams durch.
	NumGPULayers  int  `yaml:"num_gpu_layers"`
	FlashAttention bool `yaml:"flash_attention"`

	// MaxSequences und MaxBatch sind die Cache-Init-Parameter, die jedes
	// ModelHandle an seinen kvcache.Cache weiterreicht.
	MaxSequences int `yaml:"max_sequences"`
	MaxBatch     int `yaml:"max_batch"`

	// BatchPrefill wird aus YAML und DOPPLER_BATCH_PREFILL geladen, aber
	// von keinem anderen Teil dieses Builds gelesen: unabhaengig von
	// diesem Wert submittiert jede Tensor-Operation in ml/ops.go ihren
	// Dispatch sofort und wartet darauf (ein Submit pro Operation).
	BatchPrefill bool `yaml:"batch_prefill"`

	// ProbeCeilingBytes wird aus YAML und DOPPLER_PROBE_CEILING_BYTES
	// geladen, aber nirgends weitergereicht: heap.Probe nimmt keine
	// Obergrenze entgegen und durchlaeuft immer seine eigene Leiter
	// (4GiB..128MiB).
	ProbeCeilingBytes uint64 `yaml:"probe_ceiling_bytes"`
}

// DefaultConfig liefert die Werte, die gelten, wenn weder eine
// YAML-Datei noch eine Umgebungsvariable etwas anderes sagt.
func DefaultConfig() Config {
	return Config{
		MaxSequences: 1,
		MaxBatch:     512,
		BatchPrefill: true,
	}
}

// LoadConfig liest path (falls nicht leer) als YAML und legt
// DOPPLER_*-Umgebungsvariablen als Overrides darueber, genau in dieser
// Reihenfolge: Default -> Datei -> Umgebung.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envconfig.Var("DOPPLER_DEVICE"); v != "" {
		cfg.DeviceName = v
	}
	if v := envconfig.Var("DOPPLER_NUM_GPU_LAYERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumGPULayers = n
		}
	}
	cfg.FlashAttention = envconfig.BoolWithDefault("DOPPLER_FLASH_ATTENTION")(cfg.FlashAttention)
	if v := envconfig.Var("DOPPLER_MAX_SEQUENCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSequences = n
		}
	}
	if v := envconfig.Var("DOPPLER_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatch = n
		}
	}
	cfg.BatchPrefill = envconfig.BoolWithDefault("DOPPLER_BATCH_PREFILL")(cfg.BatchPrefill)
	cfg.ProbeCeilingBytes = cmp.Or(envconfig.Uint64("DOPPLER_PROBE_CEILING_BYTES", 0)(), cfg.ProbeCeilingBytes)
}
