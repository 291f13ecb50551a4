package attention

import (
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
)

// Trace walks a window lazily and yields every TraceStride-th classified
// sample, timed from the first sample of the window. Once consumed it cannot
// be restarted.
type Trace struct {
	region *gaze.Region
	window []gaze.Sample
	next   int
}

func newTrace(region *gaze.Region, window []gaze.Sample) *Trace {
	return &Trace{region: region, window: window}
}

// Next returns the following trace point, or false when the trace is exhausted.
func (t *Trace) Next() (domain.TracePoint, bool) {
	if t.next >= len(t.window) {
		return domain.TracePoint{}, false
	}
	s := t.window[t.next]
	t.next += TraceStride
	return domain.TracePoint{
		TMs:    s.Timestamp - t.window[0].Timestamp,
		OnTask: onTask(t.region, s),
	}, true
}

// Collect drains the remaining points.
func (t *Trace) Collect() []domain.TracePoint {
	out := []domain.TracePoint{}
	if rest := len(t.window) - t.next; rest > 0 {
		out = make([]domain.TracePoint, 0, (rest+TraceStride-1)/TraceStride)
	}
	for {
		p, ok := t.Next()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}
