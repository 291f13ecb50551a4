package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionStart is returned when the quiz service refuses or fails to open a session.
	ErrSessionStart = errors.New("quiz session could not be started")
	// ErrSessionNotFound is returned when no record exists for a session.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrNotActive is returned for learner actions outside an active question.
	ErrNotActive = errors.New("no active question")
	// ErrInvalidOption indicates a selected option index outside the question's options.
	ErrInvalidOption = errors.New("option not found")
	// ErrNoSelection is returned when submitting without a selected option.
	ErrNoSelection = errors.New("no option selected")
	// ErrSubmissionInFlight is returned while a submission awaits the quiz service.
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrNothingToRetry is returned when there is no failed submission to resend.
	ErrNothingToRetry = errors.New("no pending submission to retry")
	// ErrControllerStopped is returned once the session controller has exited.
	ErrControllerStopped = errors.New("session controller stopped")
	// ErrMalformedResponse indicates a quiz service body that could not be interpreted.
	ErrMalformedResponse = errors.New("malformed quiz service response")
)

// RemoteError is a non-2xx reply from the quiz service.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("quiz service returned status %d", e.Status)
	}
	return fmt.Sprintf("quiz service returned status %d: %s", e.Status, e.Message)
}
