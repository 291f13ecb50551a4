// Package attention turns a window of gaze samples into an engagement score.
package attention

import (
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
)

const (
	// LiveWindow is how many recent samples the live score looks at.
	LiveWindow = 50
	// TraceStride keeps every n-th classified sample in the stored trace.
	TraceStride = 10

	confusionFactor = 0.7
	absentFactor    = 0.3
	offScreenFactor = 0.5

	// presence needs at least minValid valid samples once more than
	// minDecisions samples exist.
	minValid     = 4
	minDecisions = 10

	// LowAttentionThreshold flags an attempt as low attention.
	LowAttentionThreshold = 0.4
)

// Metrics is the result of Compute. AttentionRatio already carries the
// confusion penalty but is not clamped.
type Metrics struct {
	AttentionRatio      float64
	OffScreenRatio      float64
	OffScreenDurationMS int64
	Total               int
	OnTask              int
	OffTask             int
	// Trace yields the decimated trace once.
	Trace *Trace
}

// Compute classifies every sample of window against region and aggregates
// the result. A nil region makes every valid sample off-task.
func Compute(region *gaze.Region, window []gaze.Sample) Metrics {
	if len(window) == 0 {
		return Metrics{Trace: newTrace(nil, nil)}
	}

	var m Metrics
	var offScreen int
	lastValid := window[0].Timestamp
	for i, s := range window {
		if !s.Present {
			offScreen++
			m.OffTask++
			if i > 0 {
				m.OffScreenDurationMS += s.Timestamp - lastValid
			}
			continue
		}
		lastValid = s.Timestamp
		if onTask(region, s) {
			m.OnTask++
		} else {
			m.OffTask++
		}
	}

	m.Total = len(window)
	m.AttentionRatio = float64(m.OnTask) / float64(m.Total)
	m.OffScreenRatio = float64(offScreen) / float64(m.Total)
	if m.OffTask > 2*m.OnTask {
		m.AttentionRatio *= confusionFactor
	}
	m.Trace = newTrace(region, window)
	return m
}

func onTask(region *gaze.Region, s gaze.Sample) bool {
	return s.Present && region != nil && region.Contains(s.X, s.Y)
}

// Present reports whether the learner is considered detected. Only the last
// LiveWindow samples count: the learner is absent when fewer than four of
// them carry coordinates and more than ten exist.
func Present(window []gaze.Sample) bool {
	if len(window) > LiveWindow {
		window = window[len(window)-LiveWindow:]
	}
	valid := 0
	for _, s := range window {
		if s.Present {
			valid++
		}
	}
	return !(valid < minValid && len(window) > minDecisions)
}

// Adjust applies the presence and off-screen penalties to m and clamps the
// result to [0,1].
func Adjust(m Metrics, present bool) float64 {
	ratio := m.AttentionRatio
	if !present {
		ratio *= absentFactor
	}
	if m.OffScreenRatio > 0.5 {
		ratio *= offScreenFactor
	}
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	}
	return ratio
}

// Wire builds the submitted form of m with the adjusted ratio. It drains the
// trace, so it must be called once per metrics value.
func (m Metrics) Wire(ratio float64, optionChanges int) domain.AttentionMetrics {
	trace := []domain.TracePoint{}
	if m.Trace != nil {
		trace = m.Trace.Collect()
	}
	return domain.AttentionMetrics{
		AttentionRatio:      ratio,
		OffScreenRatio:      m.OffScreenRatio,
		OffScreenDurationMS: m.OffScreenDurationMS,
		NumGazeSamples:      m.Total,
		NumOnTaskSamples:    m.OnTask,
		NumOffTaskSamples:   m.OffTask,
		OptionChanges:       optionChanges,
		RawAttentionTrace:   trace,
	}
}
