package gaze

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Kind labels where samples come from. It travels with logs, metrics and
// archived attempts so synthetic data is never mistaken for tracker data.
type Kind string

const (
	KindHardware  Kind = "hardware"
	KindSynthetic Kind = "synthetic"
)

// ErrUnavailable means the hardware tracker cannot be used. It is a steady
// state, not something to retry.
var ErrUnavailable = errors.New("gaze tracker unavailable")

// Source produces gaze samples. Only the session controller starts, pauses
// and tears down a source.
type Source interface {
	Kind() Kind
	// Initialize prepares the source; hardware returns ErrUnavailable when
	// the camera or tracker cannot be used.
	Initialize(ctx context.Context) error
	// Begin starts (or resumes) delivery of samples into sink.
	Begin(sink chan<- Sample)
	// Pause stops delivery without ending the source's lifecycle.
	Pause()
	// Teardown releases everything; it is safe to call more than once.
	Teardown()
	// CalibratePoint records that the learner looked at p, the index-th target.
	CalibratePoint(index int, p Point)
	// CalibrationQuality estimates tracking accuracy in [0,1].
	CalibrationQuality() float64
}

// Open initializes primary and returns it, falling back to fallback when the
// primary is missing or fails to initialize.
func Open(ctx context.Context, primary, fallback Source, log *zap.Logger) (Source, error) {
	if primary != nil {
		err := primary.Initialize(ctx)
		if err == nil {
			log.Info("gaze tracker ready", zap.String("source", string(primary.Kind())))
			return primary, nil
		}
		primary.Teardown()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrUnavailable) {
			log.Warn("gaze tracker unavailable, using fallback source", zap.Error(err))
		} else {
			log.Error("gaze tracker failed to initialize, using fallback source", zap.Error(err))
		}
	}
	if err := fallback.Initialize(ctx); err != nil {
		return nil, err
	}
	log.Info("gaze fallback ready", zap.String("source", string(fallback.Kind())))
	return fallback, nil
}
