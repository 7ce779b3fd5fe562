package observability

import (
	"log/slog"
	"sync"
)

// ScoreDriftMonitor watches a sliding window of analysis scores per model and
// reports when the recent average moves away from the baseline. The baseline
// is seeded from the first full window, so a model swap shows up as drift
// without manual calibration.
type ScoreDriftMonitor struct {
	mu             sync.Mutex
	windowSize     int
	driftThreshold float64
	baselines      map[string]float64
	windows        map[string][]float64
}

// NewScoreDriftMonitor creates a monitor with the given window size and
// absolute drift threshold.
func NewScoreDriftMonitor(windowSize int, driftThreshold float64) *ScoreDriftMonitor {
	if windowSize < 1 {
		windowSize = 1
	}
	return &ScoreDriftMonitor{
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		baselines:      make(map[string]float64),
		windows:        make(map[string][]float64),
	}
}

// Record adds a score for (metric, model) and returns the current drift.
func (m *ScoreDriftMonitor) Record(metric, model string, score float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metric + "|" + model
	w := append(m.windows[key], score)
	if len(w) > m.windowSize {
		w = w[1:]
	}
	m.windows[key] = w
	if len(w) < m.windowSize {
		return 0
	}

	avg := 0.0
	for _, s := range w {
		avg += s
	}
	avg /= float64(len(w))

	baseline, ok := m.baselines[key]
	if !ok {
		m.baselines[key] = avg
		return 0
	}

	drift := avg - baseline
	if drift < 0 {
		drift = -drift
	}
	AtsScoreDrift.WithLabelValues(metric, model).Set(drift)
	if drift > m.driftThreshold {
		slog.Warn("analysis score drift detected",
			slog.String("metric", metric),
			slog.String("model", model),
			slog.Float64("drift", drift),
			slog.Float64("baseline", baseline),
			slog.Float64("recent_avg", avg))
	}
	return drift
}

// Baseline returns the recorded baseline for (metric, model).
func (m *ScoreDriftMonitor) Baseline(metric, model string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.baselines[metric+"|"+model]
	return b, ok
}

// SetBaseline pins a baseline, replacing the seeded one.
func (m *ScoreDriftMonitor) SetBaseline(metric, model string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[metric+"|"+model] = score
}

// Reset clears all windows and baselines.
func (m *ScoreDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = make(map[string]float64)
	m.windows = make(map[string][]float64)
}

// Default drift window covers the last 20 analyses; 10 score points of drift
// on a 0..100 scale is worth an operator's attention.
var defaultDrift = NewScoreDriftMonitor(20, 10)

// RecordAnalysisScore feeds the process-wide drift monitor.
func RecordAnalysisScore(metric, model string, score float64) {
	defaultDrift.Record(metric, model, score)
}
