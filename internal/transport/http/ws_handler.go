package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gazequiz/internal/app"
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
)

var (
	errClientGone = errors.New("client disconnected")
	errSessionEnd = errors.New("session ended")
)

// WSHandler runs one quiz session per websocket connection.
type WSHandler struct {
	settings app.Settings
	deps     app.Deps
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWSHandler builds a handler. deps.Observer and deps.Geometry are
// replaced per connection.
func NewWSHandler(settings app.Settings, deps app.Deps, allowedOrigins []string, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		settings: settings,
		deps:     deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log.Named("ws"),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// layoutPayload is the question's bounding box in viewport pixels. Question
// names the 1-based index it was measured for; zero means the current one.
type layoutPayload struct {
	gaze.Region
	Question int `json:"question"`
}

type selectPayload struct {
	Index *int `json:"index"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type statePayload struct {
	State         string   `json:"state"`
	SessionID     string   `json:"sessionId,omitempty"`
	QuestionIndex int      `json:"questionIndex"`
	MaxQuestions  int      `json:"maxQuestions"`
	Source        string   `json:"source,omitempty"`
	Quality       *float64 `json:"calibrationQuality,omitempty"`
	Selected      *int     `json:"selected"`
	OptionChanges int      `json:"optionChanges"`
	InFlight      bool     `json:"inFlight"`
}

type calibrationPayload struct {
	Index int     `json:"index"`
	Total int     `json:"total"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type questionPayload struct {
	Index    int             `json:"index"`
	Total    int             `json:"total"`
	Question domain.Question `json:"question"`
}

type attentionPayload struct {
	Ratio   float64 `json:"ratio"`
	Present bool    `json:"present"`
}

type presencePayload struct {
	Present bool `json:"present"`
}

type completePayload struct {
	SessionID string `json:"sessionId"`
	Ambiguous bool   `json:"ambiguous"`
	Reason    string `json:"reason,omitempty"`
	Answered  int    `json:"answered"`
}

// ServeWS upgrades the request and drives a session for as long as the
// connection lasts. Query parameters: chapter (required), max, width, height.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	settings, err := h.sessionSettings(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage, 64)
	layout := &layoutGeometry{}
	observer := &wsObserver{send: send, layout: layout, log: h.log}

	deps := h.deps
	deps.Observer = observer
	deps.Geometry = layout
	ctrl := app.NewController(settings, deps)

	g, ctx := errgroup.WithContext(r.Context())
	finished := make(chan struct{})

	g.Go(func() error {
		defer close(finished)
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("session ended with error", zap.Error(err))
		}
		return nil
	})

	// Only this goroutine writes to conn.
	g.Go(func() error {
		for {
			select {
			case msg := <-send:
				if err := conn.WriteJSON(msg); err != nil {
					return fmt.Errorf("ws write: %w", err)
				}
			case <-finished:
				for {
					select {
					case msg := <-send:
						if err := conn.WriteJSON(msg); err != nil {
							return fmt.Errorf("ws write: %w", err)
						}
					default:
						_ = conn.WriteMessage(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
						return errSessionEnd
					}
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			var inbound inboundMessage
			if err := conn.ReadJSON(&inbound); err != nil {
				return errClientGone
			}
			if err := h.dispatch(ctx, ctrl, layout, inbound); err != nil {
				observer.emit(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) && !errors.Is(err, errSessionEnd) {
		h.log.Warn("ws connection closed", zap.Error(err))
	}
}

func (h *WSHandler) dispatch(ctx context.Context, ctrl *app.Controller, layout *layoutGeometry, msg inboundMessage) error {
	switch msg.Type {
	case "layout":
		var payload layoutPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return errors.New("invalid layout payload")
		}
		if !layout.set(payload.Question, payload.Region) {
			h.log.Debug("stale layout ignored", zap.Int("question", payload.Question))
		}
		return nil
	case "select":
		var payload selectPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Index == nil {
			return errors.New("invalid select payload")
		}
		return ctrl.SelectOption(ctx, *payload.Index)
	case "submit":
		return ctrl.Submit(ctx)
	case "skip":
		return ctrl.Skip(ctx)
	case "retry":
		return ctrl.Retry(ctx)
	}
	return errors.New("unsupported message type")
}

func (h *WSHandler) sessionSettings(r *http.Request) (app.Settings, error) {
	q := r.URL.Query()
	settings := h.settings
	if chapter := q.Get("chapter"); chapter != "" {
		settings.ChapterSlug = chapter
	}
	if settings.ChapterSlug == "" {
		return settings, errors.New("missing chapter")
	}
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return settings, errors.New("invalid max")
		}
		settings.MaxQuestions = n
	}
	width, werr := strconv.ParseFloat(q.Get("width"), 64)
	height, herr := strconv.ParseFloat(q.Get("height"), 64)
	if werr == nil && herr == nil && width > 0 && height > 0 {
		settings.Viewport = gaze.Viewport{Width: width, Height: height}
	}
	if ua := r.UserAgent(); ua != "" {
		vp := settings.Viewport
		if vp.Width <= 0 || vp.Height <= 0 {
			vp = app.DefaultSettings().Viewport
		}
		settings.DeviceInfo = fmt.Sprintf("%s, %.0fx%.0f", ua, vp.Width, vp.Height)
	}
	return settings, nil
}

// layoutGeometry holds the region the UI reported for the question on
// screen. Showing a new question forgets the previous region, so a question
// is never scored against an earlier question's box.
type layoutGeometry struct {
	mu       sync.RWMutex
	question int
	region   *gaze.Region
}

func (l *layoutGeometry) show(question int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.question = question
	l.region = nil
}

// set records r for question, or for the shown question when question is
// zero. Layouts measured for another question are dropped.
func (l *layoutGeometry) set(question int, r gaze.Region) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if question != 0 && question != l.question {
		return false
	}
	l.region = &r
	return true
}

func (l *layoutGeometry) Region(question int) *gaze.Region {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.region == nil || l.question != question {
		return nil
	}
	r := *l.region
	return &r
}

// wsObserver turns controller events into outbound messages. It never blocks
// the controller: live scores are dropped when the client falls behind.
type wsObserver struct {
	send   chan outboundMessage
	layout *layoutGeometry
	log    *zap.Logger
}

func (o *wsObserver) emit(msg outboundMessage) {
	select {
	case o.send <- msg:
	default:
		o.log.Warn("client too slow, message dropped", zap.String("type", msg.Type))
	}
}

func (o *wsObserver) StateChanged(st app.Status) {
	payload := statePayload{
		State:         st.State.String(),
		SessionID:     st.SessionID,
		QuestionIndex: st.QuestionIndex,
		MaxQuestions:  st.MaxQuestions,
		Source:        string(st.Source),
		Selected:      st.Selected,
		OptionChanges: st.OptionChanges,
		InFlight:      st.InFlight,
	}
	if st.Calibration != nil {
		q := st.Calibration.Quality
		payload.Quality = &q
	}
	o.emit(outboundMessage{Type: "state", Payload: payload})
}

func (o *wsObserver) CalibrationPoint(index, total int, p gaze.Point) {
	o.emit(outboundMessage{Type: "calibration", Payload: calibrationPayload{Index: index, Total: total, X: p.X, Y: p.Y}})
}

func (o *wsObserver) QuestionShown(index, total int, q domain.Question) {
	// Runs before the question's first tick.
	o.layout.show(index)
	o.emit(outboundMessage{Type: "question", Payload: questionPayload{Index: index, Total: total, Question: q}})
}

func (o *wsObserver) LiveScore(ratio float64, present bool) {
	o.emit(outboundMessage{Type: "attention", Payload: attentionPayload{Ratio: ratio, Present: present}})
}

func (o *wsObserver) PresenceChanged(present bool) {
	o.emit(outboundMessage{Type: "presence", Payload: presencePayload{Present: present}})
}

func (o *wsObserver) SubmissionFailed(err error) {
	o.emit(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
}

func (o *wsObserver) Completed(c app.Completion) {
	o.emit(outboundMessage{Type: "complete", Payload: completePayload{
		SessionID: c.SessionID,
		Ambiguous: c.Ambiguous,
		Reason:    c.Reason,
		Answered:  len(c.Answers),
	}})
}

func (o *wsObserver) Failed(err error) {
	o.emit(outboundMessage{Type: "failed", Payload: errorPayload{Message: err.Error()}})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
