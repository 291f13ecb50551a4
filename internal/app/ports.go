package app

import (
	"context"

	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
)

// QuizService is the remote quiz service a session talks to.
type QuizService interface {
	StartSession(ctx context.Context, req domain.StartRequest) (domain.StartedSession, error)
	SubmitAnswer(ctx context.Context, sessionID, key string, sub domain.Submission) (domain.Outcome, error)
}

// Journal abstracts where unacknowledged submissions are kept (in-memory, Redis).
type Journal interface {
	Save(ctx context.Context, p domain.PendingSubmission) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]domain.PendingSubmission, error)
}

// Archive stores accepted attempts (in-memory, Postgres).
type Archive interface {
	Record(ctx context.Context, attempt domain.ArchivedAttempt) error
	History(ctx context.Context, sessionID string) ([]domain.ArchivedAttempt, error)
}

// Geometry reports where a question is on screen, by 1-based question
// index. It returns nil until that question has been laid out; a region
// measured for an earlier question must not be reported for a later one.
type Geometry interface {
	Region(question int) *gaze.Region
}

// GeometryFunc adapts a function to Geometry.
type GeometryFunc func(question int) *gaze.Region

func (f GeometryFunc) Region(question int) *gaze.Region { return f(question) }

// StaticGeometry reports the same region for every question.
func StaticGeometry(r gaze.Region) Geometry {
	return GeometryFunc(func(int) *gaze.Region {
		region := r
		return &region
	})
}

// SourceFactory builds the gaze source for one session. It is called once
// when calibration starts; the controller owns and tears down the result.
type SourceFactory func(ctx context.Context) (gaze.Source, error)

// Observer is the outward collaborator (learner UI). Methods run on the
// controller loop: they must not block and must not call back into the
// controller synchronously.
type Observer interface {
	StateChanged(Status)
	CalibrationPoint(index, total int, p gaze.Point)
	QuestionShown(index, total int, q domain.Question)
	LiveScore(ratio float64, present bool)
	PresenceChanged(present bool)
	SubmissionFailed(err error)
	Completed(Completion)
	Failed(err error)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StateChanged(Status)                     {}
func (NopObserver) CalibrationPoint(int, int, gaze.Point)   {}
func (NopObserver) QuestionShown(int, int, domain.Question) {}
func (NopObserver) LiveScore(float64, bool)                 {}
func (NopObserver) PresenceChanged(bool)                    {}
func (NopObserver) SubmissionFailed(error)                  {}
func (NopObserver) Completed(Completion)                    {}
func (NopObserver) Failed(error)                            {}
