// Modul: stats.go
// Beschreibung: GenerationStats sammelt die in spec.md benannten
// Beobachtungsgroessen pro generate-Aufruf (ttft_ms, prefill_ms,
// prefill_tokens_per_sec, decode_ms_total, decode_ms_per_token-Perzentile,
// decode_tokens_per_sec, gpu_submit_count_prefill/decode,
// estimated_vram_bytes_peak) und spiegelt sie zugleich in
// OpenTelemetry-Metrik-Instrumente (go.opentelemetry.io/otel/metric).
// Ohne registrierten MeterProvider ist otel.Meter bereits ein No-Op, die
// Engine braucht also keinen Collector, um zu laufen - siehe
// go.opentelemetry.io/otel's eigene Default-Provider-Semantik.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/stat"
)

// GenerationStats ist das vom Aufrufer synchron lesbare Ergebnis eines
// generate-Laufs, zusaetzlich zum Token-Stream selbst.
type GenerationStats struct {
	TTFTMillis            float64
	PrefillMillis         float64
	PrefillTokensPerSec    float64
	DecodeMillisTotal      float64
	DecodeMillisPerTokenP50 float64
	DecodeMillisPerTokenP90 float64
	DecodeMillisPerTokenP99 float64
	DecodeTokensPerSec      float64
	GPUSubmitCountPrefill int
	GPUSubmitCountDecode  int
	EstimatedVRAMBytesPeak uint64

	// PromptConvention ist ein vom Aufrufer gesetztes Buchhaltungsfeld
	// (z.B. "chatml", "gemma"), das Chat-Templating bewusst ausserhalb
	// der Engine belaesst; es wird nur gespiegelt, nie interpretiert.
	PromptConvention string

	mu            sync.Mutex
	decodeLatency []float64 // Millisekunden, eine pro dekodiertem Token
}

type meters struct {
	ttft          metric.Float64Histogram
	prefillMs     metric.Float64Histogram
	decodeMsTotal metric.Float64Histogram
	decodeMsToken metric.Float64Histogram
	submitPrefill metric.Int64Counter
	submitDecode  metric.Int64Counter
	vramPeak      metric.Int64Gauge
}

var (
	metersOnce sync.Once
	m          meters
)

func instruments() meters {
	metersOnce.Do(func() {
		meter := otel.Meter("github.com/clocksmith/doppler/engine")
		m.ttft, _ = meter.Float64Histogram("doppler_engine_ttft_ms")
		m.prefillMs, _ = meter.Float64Histogram("doppler_engine_prefill_ms")
		m.decodeMsTotal, _ = meter.Float64Histogram("doppler_engine_decode_ms_total")
		m.decodeMsToken, _ = meter.Float64Histogram("doppler_engine_decode_ms_per_token")
		m.submitPrefill, _ = meter.Int64Counter("doppler_engine_gpu_submit_count_prefill")
		m.submitDecode, _ = meter.Int64Counter("doppler_engine_gpu_submit_count_decode")
		m.vramPeak, _ = meter.Int64Gauge("doppler_engine_estimated_vram_bytes_peak")
	})
	return m
}

// recordDecodeToken appends one decode-step latency for later percentile
// computation and records it into the OTel histogram immediately.
func (s *GenerationStats) recordDecodeToken(ms float64) {
	s.mu.Lock()
	s.decodeLatency = append(s.decodeLatency, ms)
	s.mu.Unlock()
	instruments().decodeMsToken.Record(context.Background(), ms)
}

// finalize computes the percentile fields from the collected per-token
// decode latencies and emits the remaining OTel instruments. Called once
// generation completes (or is cancelled) so the percentiles reflect
// exactly the tokens actually produced.
func (s *GenerationStats) finalize(ctx context.Context) {
	s.mu.Lock()
	latencies := append([]float64(nil), s.decodeLatency...)
	s.mu.Unlock()

	if n := len(latencies); n > 0 {
		sorted := append([]float64(nil), latencies...)
		sort.Float64s(sorted)
		weights := make([]float64, n)
		for i := range weights {
			weights[i] = 1
		}
		s.DecodeMillisPerTokenP50 = stat.Quantile(0.50, stat.Empirical, sorted, weights)
		s.DecodeMillisPerTokenP90 = stat.Quantile(0.90, stat.Empirical, sorted, weights)
		s.DecodeMillisPerTokenP99 = stat.Quantile(0.99, stat.Empirical, sorted, weights)

		if s.DecodeMillisTotal > 0 {
			s.DecodeTokensPerSec = float64(n) / (s.DecodeMillisTotal / 1000)
		}
	}

	ins := instruments()
	ins.ttft.Record(ctx, s.TTFTMillis)
	ins.prefillMs.Record(ctx, s.PrefillMillis)
	ins.decodeMsTotal.Record(ctx, s.DecodeMillisTotal)
	ins.submitPrefill.Add(ctx, int64(s.GPUSubmitCountPrefill))
	ins.submitDecode.Add(ctx, int64(s.GPUSubmitCountDecode))
	ins.vramPeak.Record(ctx, int64(s.EstimatedVRAMBytesPeak))
}

func millisSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
