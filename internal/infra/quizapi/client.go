// Package quizapi is the JSON-over-HTTP client for the remote quiz service.
package quizapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gazequiz/internal/domain"
	"gazequiz/internal/monitoring"
	"gazequiz/internal/tracing"
)

const maxBody = 1 << 20

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
}

// Client talks to the quiz service. It is safe for concurrent use.
type Client struct {
	base    string
	token   string
	http    *http.Client
	log     *zap.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		log:     log.Named("quizapi"),
		metrics: opts.Metrics,
		tracer:  tracing.Tracer(),
	}
}

type startReply struct {
	QuizSessionID        string          `json:"quiz_session_id"`
	SessionID            string          `json:"session_id"`
	Chapter              domain.Chapter  `json:"chapter"`
	MaxQuestions         int             `json:"max_questions"`
	CurrentQuestionIndex int             `json:"current_question_index"`
	Question             domain.Question `json:"question"`
}

// StartSession opens a session and returns its first question.
func (c *Client) StartSession(ctx context.Context, req domain.StartRequest) (domain.StartedSession, error) {
	body, err := c.do(ctx, "start_session", http.MethodPost, "/quizzes/sessions/start/", req, nil,
		attribute.String("quiz.chapter", req.ChapterSlug))
	if err != nil {
		return domain.StartedSession{}, fmt.Errorf("%w: %w", domain.ErrSessionStart, err)
	}

	var reply startReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return domain.StartedSession{}, fmt.Errorf("%w: %w: %v", domain.ErrSessionStart, domain.ErrMalformedResponse, err)
	}
	id := reply.QuizSessionID
	if id == "" {
		id = reply.SessionID
	}
	if id == "" || reply.Question.ID == "" {
		return domain.StartedSession{}, fmt.Errorf("%w: %w: missing session id or question", domain.ErrSessionStart, domain.ErrMalformedResponse)
	}
	if reply.CurrentQuestionIndex == 0 {
		reply.CurrentQuestionIndex = 1
	}
	return domain.StartedSession{
		SessionID:            id,
		Chapter:              reply.Chapter,
		MaxQuestions:         reply.MaxQuestions,
		CurrentQuestionIndex: reply.CurrentQuestionIndex,
		Question:             reply.Question,
	}, nil
}

// SubmitAnswer sends one answer. Transport failures and non-2xx replies are
// returned as errors; a 2xx body is always turned into an Outcome, with
// OutcomeProtocolError when it cannot be interpreted.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, key string, sub domain.Submission) (domain.Outcome, error) {
	path := "/quizzes/sessions/" + url.PathEscape(sessionID) + "/answer/"
	headers := map[string]string{"Idempotency-Key": key}
	body, err := c.do(ctx, "submit_answer", http.MethodPost, path, sub, headers,
		attribute.String("quiz.session_id", sessionID),
		attribute.Int("quiz.question_index", sub.QuestionIndex))
	if err != nil {
		return domain.Outcome{}, err
	}
	return ParseOutcome(body), nil
}

// ParseOutcome interprets a submit_answer reply body.
func ParseOutcome(body []byte) domain.Outcome {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "reply is not an object"}
	}

	var isCorrect *bool
	if raw, ok := fields["is_correct"]; ok {
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			isCorrect = &v
		}
	}

	var hasMore *bool
	if raw, ok := fields["has_more"]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "has_more is not a boolean"}
		}
		hasMore = &v
	}

	switch {
	case hasMore != nil && !*hasMore:
		return domain.Outcome{Kind: domain.OutcomeComplete, IsCorrect: isCorrect}
	case hasMore != nil && *hasMore:
		raw, ok := fields["question"]
		if !ok || string(raw) == "null" {
			return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "has_more without a question"}
		}
		var q domain.Question
		if err := json.Unmarshal(raw, &q); err != nil {
			return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "question: " + err.Error()}
		}
		if q.ID == "" {
			return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "question without id"}
		}
		next := 0
		if raw, ok := fields["next_question_index"]; ok {
			_ = json.Unmarshal(raw, &next)
		}
		return domain.Outcome{Kind: domain.OutcomeNext, NextIndex: next, Question: &q, IsCorrect: isCorrect}
	}
	return domain.Outcome{Kind: domain.OutcomeProtocolError, Reason: "reply has neither has_more nor a question"}
}

// Summary fetches the results payload of a finished session.
func (c *Client) Summary(ctx context.Context, sessionID string) (domain.Summary, error) {
	path := "/quizzes/sessions/" + url.PathEscape(sessionID) + "/summary/"
	body, err := c.do(ctx, "get_summary", http.MethodGet, path, nil, nil,
		attribute.String("quiz.session_id", sessionID))
	if err != nil {
		return domain.Summary{}, err
	}
	var summary domain.Summary
	if err := json.Unmarshal(body, &summary); err != nil {
		return domain.Summary{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return summary, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, headers map[string]string, attrs ...attribute.KeyValue) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "quizapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	defer span.End()

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRemote(op, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("quiz service unreachable", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	c.metrics.ObserveRemote(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remoteErr := &domain.RemoteError{Status: resp.StatusCode, Message: errorMessage(body)}
		span.SetStatus(codes.Error, remoteErr.Error())
		c.log.Warn("quiz service rejected request",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", remoteErr.Message))
		return nil, remoteErr
	}
	c.log.Debug("quiz service call", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	return body, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Detail
}
