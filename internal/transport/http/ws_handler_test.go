package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"gazequiz/internal/app"
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
	"gazequiz/internal/infra/memory"
	"gazequiz/internal/infra/quizapi"
	"gazequiz/internal/monitoring"
)

type idleSource struct{}

func (idleSource) Kind() gaze.Kind                  { return gaze.KindHardware }
func (idleSource) Initialize(context.Context) error { return nil }
func (idleSource) Begin(chan<- gaze.Sample)         {}
func (idleSource) Pause()                           {}
func (idleSource) Teardown()                        {}
func (idleSource) CalibratePoint(int, gaze.Point)   {}
func (idleSource) CalibrationQuality() float64      { return 0.9 }

// pushSource hands the controller's sample channel to the test.
type pushSource struct {
	mu   sync.Mutex
	sink chan<- gaze.Sample
}

func (*pushSource) Kind() gaze.Kind                  { return gaze.KindHardware }
func (*pushSource) Initialize(context.Context) error { return nil }
func (*pushSource) CalibratePoint(int, gaze.Point)   {}
func (*pushSource) CalibrationQuality() float64      { return 0.9 }
func (p *pushSource) Begin(sink chan<- gaze.Sample)  { p.setSink(sink) }
func (p *pushSource) Pause()                         { p.setSink(nil) }
func (p *pushSource) Teardown()                      { p.setSink(nil) }

func (p *pushSource) setSink(sink chan<- gaze.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// emit waits for the question's Begin, which follows the question message.
func (p *pushSource) emit(t *testing.T, x, y float64, n int, from int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()
		if sink != nil {
			for i := 0; i < n; i++ {
				sink <- gaze.At(x, y, from+int64(i)*100)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("source was never begun")
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeQuizService struct {
	questions int

	mu      sync.Mutex
	starts  []domain.StartRequest
	answers []domain.Submission
}

func (f *fakeQuizService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/quizzes/sessions/start/", func(w http.ResponseWriter, r *http.Request) {
		var req domain.StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.starts = append(f.starts, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"quiz_session_id":"s-1","max_questions":%d,"current_question_index":1,
			"question":{"id":"q-1","text":"pKa of acetic acid?","options":["2.8","4.8","6.8"],"difficulty":"easy"}}`, f.questions)
	})
	mux.HandleFunc("/quizzes/sessions/s-1/answer/", func(w http.ResponseWriter, r *http.Request) {
		var sub domain.Submission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		f.mu.Lock()
		f.answers = append(f.answers, sub)
		answered := len(f.answers)
		f.mu.Unlock()
		if answered < f.questions {
			fmt.Fprintf(w, `{"has_more":true,"next_question_index":%d,"is_correct":true,
				"question":{"id":"q-%d","text":"pKa of phenol?","options":["4.2","10.0","15.7"],"difficulty":"medium"}}`,
				answered+1, answered+1)
			return
		}
		fmt.Fprint(w, `{"has_more":false,"is_correct":true}`)
	})
	return mux
}

type fakeSummaries struct{}

func (fakeSummaries) Summary(_ context.Context, id string) (domain.Summary, error) {
	if id != "s-1" {
		return domain.Summary{}, &domain.RemoteError{Status: http.StatusNotFound, Message: "not found"}
	}
	return domain.Summary{Session: domain.SessionStats{ID: id, TotalQuestions: 1}, LLMSummary: "steady focus"}, nil
}

type gatewayOption func(*fakeQuizService, *gaze.Source)

func withQuestions(n int) gatewayOption {
	return func(q *fakeQuizService, _ *gaze.Source) { q.questions = n }
}

func withSource(src gaze.Source) gatewayOption {
	return func(_ *fakeQuizService, s *gaze.Source) { *s = src }
}

func newTestGateway(t *testing.T, opts ...gatewayOption) (*httptest.Server, *fakeQuizService, *memory.Archive) {
	t.Helper()
	quiz := &fakeQuizService{questions: 1}
	var source gaze.Source = idleSource{}
	for _, opt := range opts {
		opt(quiz, &source)
	}
	remote := httptest.NewServer(quiz.handler())
	t.Cleanup(remote.Close)

	reg := prometheus.NewRegistry()
	archive := memory.NewArchive()
	settings := app.Settings{
		CalibrationDwell:  time.Millisecond,
		CalibrationSettle: time.Millisecond,
		TickInterval:      10 * time.Millisecond,
	}
	deps := app.Deps{
		Service: quizapi.New(quizapi.Options{BaseURL: remote.URL}),
		Sources: func(context.Context) (gaze.Source, error) { return source, nil },
		Journal: memory.NewJournal(),
		Archive: archive,
		Metrics: monitoring.New(reg),
	}
	handler := NewGateway(GatewayOptions{
		WS:        NewWSHandler(settings, deps, nil, nil),
		Summaries: fakeSummaries{},
		Gatherer:  reg,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, quiz, archive
}

func TestWebSocketSessionFlow(t *testing.T) {
	server, quiz, archive := newTestGateway(t)

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?chapter=acids&max=1&width=1024&height=768"
	header := http.Header{"User-Agent": []string{"gaze-test"}}
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	question := readUntil(t, conn, "question")
	if question["index"].(float64) != 1 {
		t.Fatalf("expected question 1, got %v", question)
	}

	send(t, conn, "layout", map[string]any{"left": 0, "top": 0, "right": 1024, "bottom": 768})
	send(t, conn, "select", map[string]any{"index": 7})
	if msg := readUntil(t, conn, "error"); !strings.Contains(msg["message"].(string), "option not found") {
		t.Fatalf("expected invalid option error, got %v", msg)
	}
	send(t, conn, "select", map[string]any{"index": 1})
	send(t, conn, "submit", nil)

	done := readUntil(t, conn, "complete")
	if done["sessionId"] != "s-1" || done["ambiguous"] != false {
		t.Fatalf("unexpected completion %v", done)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close after completion, got %v", err)
	}

	quiz.mu.Lock()
	defer quiz.mu.Unlock()
	if len(quiz.starts) != 1 || quiz.starts[0].ChapterSlug != "acids" || quiz.starts[0].MaxQuestions != 1 {
		t.Fatalf("unexpected start requests %+v", quiz.starts)
	}
	if quiz.starts[0].DeviceInfo != "gaze-test, 1024x768" {
		t.Fatalf("unexpected device info %q", quiz.starts[0].DeviceInfo)
	}
	if len(quiz.answers) != 1 || *quiz.answers[0].SelectedOptionIndex != 1 {
		t.Fatalf("unexpected answers %+v", quiz.answers)
	}
	history, _ := archive.History(context.Background(), "s-1")
	if len(history) != 1 {
		t.Fatalf("expected archived attempt, got %d", len(history))
	}
}

func TestWebSocketLayoutIsScopedToEachQuestion(t *testing.T) {
	source := &pushSource{}
	server, quiz, _ := newTestGateway(t, withQuestions(2), withSource(source))

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?chapter=acids&max=2"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if q := readUntil(t, conn, "question"); q["index"].(float64) != 1 {
		t.Fatalf("expected question 1, got %v", q)
	}
	send(t, conn, "layout", map[string]any{"question": 1, "left": 0, "top": 0, "right": 100, "bottom": 100})
	source.emit(t, 50, 50, 10, 0)
	send(t, conn, "select", map[string]any{"index": 1})
	send(t, conn, "submit", nil)

	if q := readUntil(t, conn, "question"); q["index"].(float64) != 2 {
		t.Fatalf("expected question 2, got %v", q)
	}
	send(t, conn, "layout", map[string]any{"question": 2, "left": 500, "top": 500, "right": 600, "bottom": 600})
	// A late layout for the previous question must not replace the current one.
	send(t, conn, "layout", map[string]any{"question": 1, "left": 0, "top": 0, "right": 100, "bottom": 100})
	source.emit(t, 550, 550, 20, 5000)
	send(t, conn, "select", map[string]any{"index": 0})
	send(t, conn, "submit", nil)

	if done := readUntil(t, conn, "complete"); done["answered"].(float64) != 2 {
		t.Fatalf("unexpected completion %v", done)
	}

	quiz.mu.Lock()
	defer quiz.mu.Unlock()
	if len(quiz.answers) != 2 {
		t.Fatalf("expected two answers, got %d", len(quiz.answers))
	}
	first := quiz.answers[0].AttentionMetrics
	if first.NumGazeSamples != 10 || first.NumOnTaskSamples != 10 {
		t.Fatalf("question 1 metrics %+v", first)
	}
	second := quiz.answers[1].AttentionMetrics
	if second.NumGazeSamples != 20 || second.NumOnTaskSamples != 20 || second.AttentionRatio != 1 {
		t.Fatalf("question 2 must be scored against its own layout, got %+v", second)
	}
}

func TestLayoutGeometryForgetsPreviousQuestion(t *testing.T) {
	var layout layoutGeometry
	box := gaze.Region{Left: 10, Top: 10, Right: 20, Bottom: 20}

	layout.show(1)
	if layout.Region(1) != nil {
		t.Fatalf("no region before layout")
	}
	if !layout.set(0, box) {
		t.Fatalf("unscoped layout applies to the shown question")
	}
	if got := layout.Region(1); got == nil || *got != box {
		t.Fatalf("expected %+v, got %v", box, got)
	}
	if layout.Region(2) != nil {
		t.Fatalf("region leaked to another question")
	}

	layout.show(2)
	if layout.Region(2) != nil || layout.Region(1) != nil {
		t.Fatalf("showing a question must forget the old region")
	}
	if layout.set(1, box) {
		t.Fatalf("stale layout accepted")
	}
	if layout.Region(2) != nil {
		t.Fatalf("stale layout reported for question 2")
	}
}

func TestWebSocketRequiresChapter(t *testing.T) {
	server, _, _ := newTestGateway(t)

	resp, err := http.Get(server.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSummaryProxyAndHealthRoutes(t *testing.T) {
	server, _, _ := newTestGateway(t)

	resp, err := http.Get(server.URL + "/sessions/s-1/summary")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	var summary domain.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || summary.LLMSummary != "steady focus" {
		t.Fatalf("unexpected summary %d %+v", resp.StatusCode, summary)
	}

	for path, want := range map[string]int{
		"/sessions/missing/summary": http.StatusNotFound,
		"/healthz":                  http.StatusOK,
		"/metrics":                  http.StatusOK,
	} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 500; i++ {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
	t.Fatalf("no %s message", want)
	return nil
}
