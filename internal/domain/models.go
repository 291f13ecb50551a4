package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Difficulty is the closed set of question difficulty tags.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known tags.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

func (d *Difficulty) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed := Difficulty(raw)
	if !parsed.Valid() {
		return fmt.Errorf("%w: difficulty %q", ErrMalformedResponse, raw)
	}
	*d = parsed
	return nil
}

// Chapter is the subject area a session draws questions from.
type Chapter struct {
	ID          int    `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// Question models an MCQ question as the quiz service presents it (no answer key).
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Options    []string   `json:"options"`
	Difficulty Difficulty `json:"difficulty"`
}

// TracePoint is one decimated entry of the per-question attention trace.
type TracePoint struct {
	TMs    int64 `json:"t_ms"`
	OnTask bool  `json:"on_task"`
}

// AttentionMetrics is the wire form of a question's attention summary.
type AttentionMetrics struct {
	AttentionRatio      float64      `json:"attention_ratio"`
	OffScreenRatio      float64      `json:"off_screen_ratio"`
	OffScreenDurationMS int64        `json:"off_screen_duration_ms"`
	NumGazeSamples      int          `json:"num_gaze_samples"`
	NumOnTaskSamples    int          `json:"num_on_task_samples"`
	NumOffTaskSamples   int          `json:"num_off_task_samples"`
	OptionChanges       int          `json:"option_changes"`
	RawAttentionTrace   []TracePoint `json:"raw_attention_trace"`
}

// CalibrationResult is produced once per session before question 1.
type CalibrationResult struct {
	Quality  float64
	Hardware bool
}

// StartRequest is the payload for opening a quiz session.
type StartRequest struct {
	ChapterSlug        string   `json:"chapter_slug"`
	MaxQuestions       int      `json:"max_questions"`
	WebgazerEnabled    bool     `json:"webgazer_enabled"`
	CalibrationQuality *float64 `json:"calibration_quality"`
	DeviceInfo         string   `json:"device_info"`
}

// StartedSession is what the quiz service returns for a new session.
type StartedSession struct {
	SessionID            string
	Chapter              Chapter
	MaxQuestions         int
	CurrentQuestionIndex int
	Question             Question
}

// Submission is one answer for one question, including its attention metrics.
type Submission struct {
	QuestionID          string           `json:"question_id"`
	QuestionIndex       int              `json:"question_index"`
	StartedAt           time.Time        `json:"started_at"`
	SubmittedAt         time.Time        `json:"submitted_at"`
	ResponseTimeMS      int64            `json:"response_time_ms"`
	SelectedOptionIndex *int             `json:"selected_option_index"`
	WasSkipped          bool             `json:"was_skipped"`
	AttentionMetrics    AttentionMetrics `json:"attention_metrics"`
}

// PendingSubmission is a computed submission that has not been accepted yet.
// Key is sent as the Idempotency-Key and stays the same across retries.
type PendingSubmission struct {
	SessionID  string     `json:"session_id"`
	Key        string     `json:"key"`
	Source     string     `json:"source"`
	Submission Submission `json:"submission"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OutcomeKind tags how the quiz service answered a submission.
type OutcomeKind int

const (
	// OutcomeNext means another question follows.
	OutcomeNext OutcomeKind = iota
	// OutcomeComplete means the session ended normally.
	OutcomeComplete
	// OutcomeProtocolError means the reply could not be interpreted.
	OutcomeProtocolError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNext:
		return "next"
	case OutcomeComplete:
		return "complete"
	case OutcomeProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

// Outcome is the tagged result of submit_answer.
type Outcome struct {
	Kind      OutcomeKind
	NextIndex int
	Question  *Question
	IsCorrect *bool
	// Reason explains a protocol error.
	Reason string
}

// Answer records an accepted submission on the local session.
type Answer struct {
	QuestionIndex       int
	QuestionID          string
	SelectedOptionIndex *int
	WasSkipped          bool
	IsCorrect           *bool
	AttentionRatio      float64
}

// QuizSession is the controller's view of a running session.
type QuizSession struct {
	ID           string
	Chapter      Chapter
	MaxQuestions int
	CurrentIndex int
	Answers      []Answer
	Done         bool
}

// ArchivedAttempt is an accepted submission kept for offline analysis.
type ArchivedAttempt struct {
	SessionID     string           `json:"session_id"`
	ChapterSlug   string           `json:"chapter_slug"`
	QuestionIndex int              `json:"question_index"`
	QuestionID    string           `json:"question_id"`
	Source        string           `json:"source"`
	WasSkipped    bool             `json:"was_skipped"`
	IsCorrect     *bool            `json:"is_correct,omitempty"`
	LowAttention  bool             `json:"low_attention"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	Metrics       AttentionMetrics `json:"metrics"`
}

// SessionStats is the session block of a summary.
type SessionStats struct {
	ID                       string     `json:"id"`
	Chapter                  Chapter    `json:"chapter"`
	StartedAt                time.Time  `json:"started_at"`
	EndedAt                  *time.Time `json:"ended_at"`
	TotalQuestions           int        `json:"total_questions"`
	NumCorrect               int        `json:"num_correct"`
	OverallAccuracy          float64    `json:"overall_accuracy"`
	OverallAttentionRatio    float64    `json:"overall_attention_ratio"`
	OverallAvgResponseTimeMS float64    `json:"overall_avg_response_time_ms"`
	WebgazerEnabled          bool       `json:"webgazer_enabled"`
	CalibrationQuality       *float64   `json:"calibration_quality"`
}

// QuestionStat is one row of the per-question summary.
type QuestionStat struct {
	QuestionIndex  int        `json:"question_index"`
	QuestionID     string     `json:"question_id"`
	Difficulty     Difficulty `json:"difficulty"`
	IsCorrect      bool       `json:"is_correct"`
	ResponseTimeMS int64      `json:"response_time_ms"`
	AttentionRatio float64    `json:"attention_ratio"`
	OffScreenRatio *float64   `json:"off_screen_ratio,omitempty"`
}

// DifficultyStat aggregates attempts of one difficulty.
type DifficultyStat struct {
	Questions         int     `json:"questions"`
	Correct           int     `json:"correct"`
	Accuracy          float64 `json:"accuracy"`
	AvgAttentionRatio float64 `json:"avg_attention_ratio"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
}

// Summary is the results payload; only the gateway proxies it.
type Summary struct {
	Session             SessionStats                  `json:"session"`
	PerQuestionStats    []QuestionStat                `json:"per_question_stats"`
	DifficultyBreakdown map[Difficulty]DifficultyStat `json:"difficulty_breakdown"`
	LLMSummary          string                        `json:"llm_summary"`
}
