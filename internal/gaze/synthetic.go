package gaze

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// SyntheticConfig tunes the fallback generator.
type SyntheticConfig struct {
	Interval         time.Duration
	FocusProbability float64
	Spread           float64
	Viewport         Viewport
}

// DefaultSyntheticConfig mirrors the demo generator: 150ms cadence, 65% of
// samples within a 200px square around the viewport center.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Interval:         150 * time.Millisecond,
		FocusProbability: 0.65,
		Spread:           200,
		Viewport:         Viewport{Width: 1280, Height: 800},
	}
}

// SyntheticSource fabricates gaze samples on a fixed cadence so the
// attention pipeline can run without a camera. Its Kind is always
// KindSynthetic.
type SyntheticSource struct {
	cfg   SyntheticConfig
	clock clock.WithTicker
	epoch time.Time
	log   *zap.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewSyntheticSource(cfg SyntheticConfig, clk clock.WithTicker, log *zap.Logger) *SyntheticSource {
	def := DefaultSyntheticConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FocusProbability < 0 || cfg.FocusProbability > 1 {
		cfg.FocusProbability = def.FocusProbability
	}
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		cfg.Viewport = def.Viewport
	}
	return &SyntheticSource{
		cfg:   cfg,
		clock: clk,
		epoch: clk.Now(),
		log:   log.Named("synthetic"),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SyntheticSource) Kind() Kind { return KindSynthetic }

func (s *SyntheticSource) Initialize(context.Context) error { return nil }

func (s *SyntheticSource) Begin(sink chan<- Sample) {
	s.Pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done

	ticker := s.clock.NewTicker(s.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				sample := s.next()
				select {
				case sink <- sample:
				case <-stop:
					return
				}
			}
		}
	}()
	s.log.Debug("synthetic generation started", zap.Duration("interval", s.cfg.Interval))
}

// Pause stops the generator and waits for it to exit, so no sample is
// delivered after Pause returns.
func (s *SyntheticSource) Pause() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *SyntheticSource) Teardown() {
	s.Pause()
}

func (s *SyntheticSource) CalibratePoint(index int, p Point) {
	s.log.Debug("calibration point (no tracker)", zap.Int("index", index), zap.Float64("x", p.X), zap.Float64("y", p.Y))
}

// CalibrationQuality returns a heuristic value in [0.7, 1.0).
func (s *SyntheticSource) CalibrationQuality() float64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return 0.7 + s.rnd.Float64()*0.3
}

func (s *SyntheticSource) next() Sample {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()

	ts := s.clock.Since(s.epoch).Milliseconds()
	vp := s.cfg.Viewport
	if s.rnd.Float64() < s.cfg.FocusProbability {
		c := vp.Center()
		return At(
			c.X+(s.rnd.Float64()-0.5)*s.cfg.Spread,
			c.Y+(s.rnd.Float64()-0.5)*s.cfg.Spread,
			ts,
		)
	}
	return At(s.rnd.Float64()*vp.Width, s.rnd.Float64()*vp.Height, ts)
}
