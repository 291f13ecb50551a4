package quizapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gazequiz/internal/domain"
)

func TestStartSessionSendsRequestAndParsesReply(t *testing.T) {
	var got domain.StartRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/quizzes/sessions/start/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"quiz_session_id": "s-1",
			"chapter": {"id": 3, "slug": "organic-chemistry", "name": "Organic", "is_active": true},
			"max_questions": 2,
			"current_question_index": 1,
			"question": {"id": "q-1", "text": "Benzene ring carbons?", "options": ["4","5","6","7"], "difficulty": "easy"}
		}`))
	}))
	defer server.Close()

	quality := 0.85
	client := New(Options{BaseURL: server.URL + "/api/", Token: "tok"})
	started, err := client.StartSession(context.Background(), domain.StartRequest{
		ChapterSlug:        "organic-chemistry",
		MaxQuestions:       2,
		WebgazerEnabled:    true,
		CalibrationQuality: &quality,
		DeviceInfo:         "test, 1280x800",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if started.SessionID != "s-1" || started.CurrentQuestionIndex != 1 || started.Question.ID != "q-1" {
		t.Fatalf("unexpected session %+v", started)
	}
	if started.Question.Difficulty != domain.DifficultyEasy || len(started.Question.Options) != 4 {
		t.Fatalf("unexpected question %+v", started.Question)
	}
	if got.ChapterSlug != "organic-chemistry" || got.CalibrationQuality == nil || *got.CalibrationQuality != 0.85 {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestStartSessionFailureWrapsSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"No questions available for this chapter"}`))
	}))
	defer server.Close()

	_, err := New(Options{BaseURL: server.URL}).StartSession(context.Background(), domain.StartRequest{ChapterSlug: "x"})
	if !errors.Is(err, domain.ErrSessionStart) {
		t.Fatalf("expected ErrSessionStart, got %v", err)
	}
	var remote *domain.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusNotFound || remote.Message != "No questions available for this chapter" {
		t.Fatalf("expected remote error details, got %v", err)
	}
}

func TestStartSessionRejectsUnknownDifficulty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"s","question":{"id":"q","text":"t","options":[],"difficulty":"brutal"}}`))
	}))
	defer server.Close()

	_, err := New(Options{BaseURL: server.URL}).StartSession(context.Background(), domain.StartRequest{})
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSubmitAnswerSendsIdempotencyKey(t *testing.T) {
	var key string
	var sub domain.Submission
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quizzes/sessions/s-1/answer/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&sub)
		_, _ = w.Write([]byte(`{"has_more": true, "next_question_index": 2, "is_correct": true,
			"question": {"id":"q-2","text":"?","options":["a","b"],"difficulty":"medium"}}`))
	}))
	defer server.Close()

	selected := 1
	outcome, err := New(Options{BaseURL: server.URL}).SubmitAnswer(context.Background(), "s-1", "key-1", domain.Submission{
		QuestionID:          "q-1",
		QuestionIndex:       1,
		StartedAt:           time.Unix(100, 0).UTC(),
		SubmittedAt:         time.Unix(105, 0).UTC(),
		ResponseTimeMS:      5000,
		SelectedOptionIndex: &selected,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if key != "key-1" {
		t.Fatalf("expected idempotency key, got %q", key)
	}
	if sub.QuestionIndex != 1 || sub.SelectedOptionIndex == nil || *sub.SelectedOptionIndex != 1 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if outcome.Kind != domain.OutcomeNext || outcome.NextIndex != 2 || outcome.Question.ID != "q-2" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.IsCorrect == nil || !*outcome.IsCorrect {
		t.Fatalf("expected is_correct=true")
	}
}

func TestSubmitAnswerServerErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(Options{BaseURL: server.URL}).SubmitAnswer(context.Background(), "s", "k", domain.Submission{})
	var remote *domain.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusBadGateway {
		t.Fatalf("expected remote 502, got %v", err)
	}
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		name string
		body string
		want domain.OutcomeKind
	}{
		{"complete", `{"has_more": false, "is_correct": false}`, domain.OutcomeComplete},
		{"next", `{"has_more": true, "question": {"id":"q","text":"","options":[],"difficulty":"hard"}}`, domain.OutcomeNext},
		{"not an object", `[1,2,3]`, domain.OutcomeProtocolError},
		{"null", `null`, domain.OutcomeProtocolError},
		{"empty object", `{}`, domain.OutcomeProtocolError},
		{"more without question", `{"has_more": true}`, domain.OutcomeProtocolError},
		{"question without flag", `{"question": {"id":"q","text":"","options":[],"difficulty":"easy"}}`, domain.OutcomeProtocolError},
		{"bad flag", `{"has_more": "yes"}`, domain.OutcomeProtocolError},
		{"bad difficulty", `{"has_more": true, "question": {"id":"q","difficulty":"legendary"}}`, domain.OutcomeProtocolError},
	}
	for _, tc := range cases {
		got := ParseOutcome([]byte(tc.body))
		if got.Kind != tc.want {
			t.Fatalf("%s: expected %s, got %s (%s)", tc.name, tc.want, got.Kind, got.Reason)
		}
		if got.Kind == domain.OutcomeProtocolError && got.Reason == "" {
			t.Fatalf("%s: protocol errors must carry a reason", tc.name)
		}
	}
}

func TestSummaryDecodesBreakdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/quizzes/sessions/s-9/summary/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"session": {"id": "s-9", "total_questions": 2, "num_correct": 1},
			"per_question_stats": [{"question_index": 1, "question_id": "q-1", "difficulty": "easy", "is_correct": true}],
			"difficulty_breakdown": {"easy": {"questions": 1, "correct": 1, "accuracy": 1}},
			"llm_summary": "Focus held well."
		}`))
	}))
	defer server.Close()

	summary, err := New(Options{BaseURL: server.URL}).Summary(context.Background(), "s-9")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Session.ID != "s-9" || summary.LLMSummary != "Focus held well." {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.DifficultyBreakdown[domain.DifficultyEasy].Correct != 1 {
		t.Fatalf("unexpected breakdown %+v", summary.DifficultyBreakdown)
	}
}
