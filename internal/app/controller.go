package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"gazequiz/internal/attention"
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
	"gazequiz/internal/monitoring"
	"gazequiz/internal/schedule"
)

// State is where a session is in its lifecycle.
type State int

const (
	StateCalibrating State = iota
	StateActive
	StateSubmitting
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateActive:
		return "active"
	case StateSubmitting:
		return "submitting"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Status is a snapshot of the controller, safe to read from any goroutine.
type Status struct {
	State         State
	SessionID     string
	QuestionIndex int
	MaxQuestions  int
	Question      *domain.Question
	Source        gaze.Kind
	Calibration   *domain.CalibrationResult
	Selected      *int
	OptionChanges int
	InFlight      bool
	Score         float64
	Present       bool
	Buffered      int
}

// Completion describes how a session ended.
type Completion struct {
	SessionID string
	// Ambiguous is set when the last reply could not be interpreted and the
	// session was closed instead of waiting on it.
	Ambiguous bool
	Reason    string
	Answers   []domain.Answer
}

// Settings are the per-session knobs.
type Settings struct {
	ChapterSlug       string
	MaxQuestions      int
	DeviceInfo        string
	Viewport          gaze.Viewport
	CalibrationDwell  time.Duration
	CalibrationSettle time.Duration
	TickInterval      time.Duration
	LiveWindow        int
	BufferCapacity    int
	RetainSamples     int
}

func DefaultSettings() Settings {
	return Settings{
		MaxQuestions:      15,
		Viewport:          gaze.Viewport{Width: 1280, Height: 800},
		CalibrationDwell:  2500 * time.Millisecond,
		CalibrationSettle: 1500 * time.Millisecond,
		TickInterval:      200 * time.Millisecond,
		LiveWindow:        attention.LiveWindow,
		BufferCapacity:    gaze.DefaultCapacity,
		RetainSamples:     gaze.DefaultRetain,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.MaxQuestions <= 0 {
		s.MaxQuestions = def.MaxQuestions
	}
	if s.Viewport.Width <= 0 || s.Viewport.Height <= 0 {
		s.Viewport = def.Viewport
	}
	if s.CalibrationDwell <= 0 {
		s.CalibrationDwell = def.CalibrationDwell
	}
	if s.CalibrationSettle <= 0 {
		s.CalibrationSettle = def.CalibrationSettle
	}
	if s.TickInterval <= 0 {
		s.TickInterval = def.TickInterval
	}
	if s.LiveWindow <= 0 {
		s.LiveWindow = def.LiveWindow
	}
	if s.BufferCapacity <= 0 {
		s.BufferCapacity = def.BufferCapacity
	}
	if s.RetainSamples <= 0 {
		s.RetainSamples = def.RetainSamples
	}
	return s
}

// Deps are the collaborators of a controller. Service, Sources and Geometry
// are required.
type Deps struct {
	Service  QuizService
	Sources  SourceFactory
	Geometry Geometry
	Observer Observer
	Journal  Journal
	Archive  Archive
	Metrics  *monitoring.Metrics
	Clock    clock.WithTicker
	Logger   *zap.Logger
}

const (
	timerCalibrate = "calibrate"
	timerFinalize  = "finalize"
	timerTick      = "tick"
)

type commandKind int

const (
	cmdSelect commandKind = iota
	cmdSubmit
	cmdSkip
	cmdRetry
)

type command struct {
	kind  commandKind
	index int
	reply chan error
}

type resultKind int

const (
	resultStart resultKind = iota
	resultSubmit
)

type remoteResult struct {
	kind    resultKind
	started domain.StartedSession
	outcome domain.Outcome
	err     error
}

// Controller runs one quiz session: calibration, the question loop and
// submission. All session state is owned by the goroutine inside Run; the
// public methods post commands to it.
type Controller struct {
	settings Settings
	service  QuizService
	sources  SourceFactory
	geometry Geometry
	observer Observer
	journal  Journal
	archive  Archive
	metrics  *monitoring.Metrics
	clock    clock.WithTicker
	log      *zap.Logger
	newKey   func() string

	commands chan command
	done     chan struct{}
	running  atomic.Bool

	statusMu sync.RWMutex
	status   Status

	// Owned by the Run goroutine.
	sched         *schedule.Scheduler
	samples       chan gaze.Sample
	results       chan remoteResult
	source        gaze.Source
	buffer        *gaze.Buffer
	state         State
	points        []gaze.Point
	calibIndex    int
	calibration   *domain.CalibrationResult
	session       domain.QuizSession
	question      domain.Question
	region        *gaze.Region
	selected      *int
	optionChanges int
	questionMark  uint64
	questionStart time.Time
	tick          schedule.ID
	score         float64
	present       bool
	pending       *domain.PendingSubmission
	inFlight      bool
	finished      bool
	err           error
	gauge         string // state label the session is counted under
}

func NewController(settings Settings, deps Deps) *Controller {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	return &Controller{
		settings: settings.withDefaults(),
		service:  deps.Service,
		sources:  deps.Sources,
		geometry: deps.Geometry,
		observer: observer,
		journal:  deps.Journal,
		archive:  deps.Archive,
		metrics:  deps.Metrics,
		clock:    clk,
		log:      log.Named("controller"),
		newKey:   uuid.NewString,
		commands: make(chan command),
		done:     make(chan struct{}),
		samples:  make(chan gaze.Sample, 256),
		results:  make(chan remoteResult, 1),
		present:  true,
	}
}

// Status returns the latest snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// SelectOption records the learner's current choice for the active question.
func (c *Controller) SelectOption(ctx context.Context, index int) error {
	return c.send(ctx, command{kind: cmdSelect, index: index})
}

// Submit commits the selected option. After a failed submission it re-sends
// the stored payload.
func (c *Controller) Submit(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdSubmit})
}

// Skip commits the active question without an answer.
func (c *Controller) Skip(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdSkip})
}

// Retry re-sends a submission that failed to reach the quiz service.
func (c *Controller) Retry(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdRetry})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return domain.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return domain.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until it completes, fails or ctx ends. A session
// that cannot be started returns an error wrapping domain.ErrSessionStart.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sched = schedule.New(c.clock)
	defer c.teardown()

	source, err := c.sources(ctx)
	if err != nil {
		c.fail(fmt.Errorf("%w: no gaze source: %w", domain.ErrSessionStart, err))
		return c.err
	}
	c.source = source
	c.buffer = gaze.NewBuffer(c.settings.BufferCapacity)
	c.points = gaze.CalibrationGrid(c.settings.Viewport)
	c.setState(StateCalibrating)
	c.showCalibrationPoint()

	for !c.finished {
		select {
		case <-ctx.Done():
			c.log.Info("session interrupted", zap.String("state", c.state.String()))
			return ctx.Err()
		case s := <-c.samples:
			c.ingest(s)
		case f := <-c.sched.C():
			c.drain()
			if c.sched.Live(f) {
				c.onFire(ctx, f)
			}
		case cmd := <-c.commands:
			c.drain()
			cmd.reply <- c.handle(ctx, cmd)
		case r := <-c.results:
			c.drain()
			c.onResult(ctx, r)
		}
		c.publish()
	}
	return c.err
}

func (c *Controller) teardown() {
	c.sched.Stop()
	if c.source != nil {
		c.source.Teardown()
	}
	c.buffer = nil
	c.metrics.MoveSession(c.gauge, "")
	c.publish()
}

// drain ingests every sample already queued so decisions see the current buffer.
func (c *Controller) drain() {
	for {
		select {
		case s := <-c.samples:
			c.ingest(s)
		default:
			return
		}
	}
}

func (c *Controller) ingest(s gaze.Sample) {
	if c.state != StateActive {
		return
	}
	if err := c.buffer.Append(s); err != nil {
		c.log.Debug("sample dropped", zap.Int64("ts", s.Timestamp), zap.Error(err))
		return
	}
	c.metrics.ObserveSample(string(c.source.Kind()), s.Present)
}

func (c *Controller) setState(next State) {
	prev := c.state
	c.state = next
	c.metrics.MoveSession(c.gauge, next.String())
	c.gauge = next.String()
	c.log.Debug("state changed", zap.String("from", prev.String()), zap.String("to", next.String()))
	c.publish()
	c.observer.StateChanged(c.Status())
}

func (c *Controller) publish() {
	st := Status{
		State:         c.state,
		SessionID:     c.session.ID,
		QuestionIndex: c.session.CurrentIndex,
		MaxQuestions:  c.session.MaxQuestions,
		Calibration:   c.calibration,
		Selected:      c.selected,
		OptionChanges: c.optionChanges,
		InFlight:      c.inFlight,
		Score:         c.score,
		Present:       c.present,
	}
	if c.source != nil {
		st.Source = c.source.Kind()
	}
	if c.buffer != nil {
		st.Buffered = c.buffer.Len()
	}
	if c.state == StateActive || c.state == StateSubmitting {
		q := c.question
		st.Question = &q
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

func (c *Controller) onFire(ctx context.Context, f schedule.Fire) {
	switch f.Name {
	case timerCalibrate:
		c.source.CalibratePoint(c.calibIndex, c.points[c.calibIndex])
		c.calibIndex++
		if c.calibIndex < len(c.points) {
			c.showCalibrationPoint()
			return
		}
		c.sched.After(timerFinalize, c.settings.CalibrationSettle)
	case timerFinalize:
		c.finishCalibration(ctx)
	case timerTick:
		c.onTick()
	}
}

func (c *Controller) showCalibrationPoint() {
	c.observer.CalibrationPoint(c.calibIndex, len(c.points), c.points[c.calibIndex])
	c.sched.After(timerCalibrate, c.settings.CalibrationDwell)
}

func (c *Controller) finishCalibration(ctx context.Context) {
	result := domain.CalibrationResult{
		Quality:  c.source.CalibrationQuality(),
		Hardware: c.source.Kind() == gaze.KindHardware,
	}
	c.calibration = &result
	c.log.Info("calibration finished",
		zap.Float64("quality", result.Quality),
		zap.String("source", string(c.source.Kind())))

	req := domain.StartRequest{
		ChapterSlug:        c.settings.ChapterSlug,
		MaxQuestions:       c.settings.MaxQuestions,
		WebgazerEnabled:    result.Hardware,
		CalibrationQuality: ptr.To(result.Quality),
		DeviceInfo:         c.settings.DeviceInfo,
	}
	c.inFlight = true
	go func() {
		started, err := c.service.StartSession(ctx, req)
		c.post(ctx, remoteResult{kind: resultStart, started: started, err: err})
	}()
}

func (c *Controller) post(ctx context.Context, r remoteResult) {
	select {
	case c.results <- r:
	case <-ctx.Done():
	}
}

func (c *Controller) onResult(ctx context.Context, r remoteResult) {
	c.inFlight = false
	switch r.kind {
	case resultStart:
		c.onStarted(r)
	case resultSubmit:
		c.onSubmitted(ctx, r)
	}
}

func (c *Controller) onStarted(r remoteResult) {
	if r.err != nil {
		err := r.err
		if !errors.Is(err, domain.ErrSessionStart) {
			err = fmt.Errorf("%w: %w", domain.ErrSessionStart, err)
		}
		c.fail(err)
		return
	}
	index := r.started.CurrentQuestionIndex
	if index <= 0 {
		index = 1
	}
	c.session = domain.QuizSession{
		ID:           r.started.SessionID,
		Chapter:      r.started.Chapter,
		MaxQuestions: r.started.MaxQuestions,
	}
	if c.session.MaxQuestions == 0 {
		c.session.MaxQuestions = c.settings.MaxQuestions
	}
	c.log.Info("session started",
		zap.String("session", c.session.ID),
		zap.String("chapter", c.settings.ChapterSlug),
		zap.Int("max_questions", c.session.MaxQuestions))
	c.beginQuestion(index, r.started.Question)
}

func (c *Controller) beginQuestion(index int, q domain.Question) {
	c.session.CurrentIndex = index
	c.question = q
	c.selected = nil
	c.optionChanges = 0
	c.region = nil
	c.pending = nil
	c.questionMark = c.buffer.Mark()
	c.questionStart = c.clock.Now()

	c.setState(StateActive)
	c.observer.QuestionShown(index, c.session.MaxQuestions, q)
	c.source.Begin(c.samples)
	c.tick = c.sched.Every(timerTick, c.settings.TickInterval, true)
}

func (c *Controller) onTick() {
	if c.state != StateActive {
		return
	}
	region := c.currentRegion()
	window := c.buffer.Recent(c.settings.LiveWindow)
	m := attention.Compute(region, window)
	present := attention.Present(window)
	c.score = attention.Adjust(m, present)

	c.metrics.SetAttention(string(c.source.Kind()), c.score)
	c.observer.LiveScore(c.score, present)
	if present != c.present {
		c.present = present
		if present {
			c.log.Info("learner detected again", zap.Int("question", c.session.CurrentIndex))
		} else {
			c.log.Info("learner not detected", zap.Int("question", c.session.CurrentIndex))
		}
		c.observer.PresenceChanged(present)
	}
}

// currentRegion measures the active question once; until layout reports a
// region for this index every tick asks again.
func (c *Controller) currentRegion() *gaze.Region {
	if c.region == nil && c.geometry != nil {
		c.region = c.geometry.Region(c.session.CurrentIndex)
	}
	return c.region
}

func (c *Controller) handle(ctx context.Context, cmd command) error {
	switch c.state {
	case StateActive:
		switch cmd.kind {
		case cmdSelect:
			return c.selectOption(cmd.index)
		case cmdSubmit:
			if c.selected == nil {
				return domain.ErrNoSelection
			}
			c.submit(ctx, ptr.To(*c.selected), false)
			return nil
		case cmdSkip:
			c.submit(ctx, nil, true)
			return nil
		case cmdRetry:
			return domain.ErrNothingToRetry
		}
	case StateSubmitting:
		if c.inFlight {
			return domain.ErrSubmissionInFlight
		}
		switch cmd.kind {
		case cmdSubmit, cmdRetry:
			c.log.Info("retrying submission",
				zap.String("session", c.session.ID),
				zap.Int("question", c.pending.Submission.QuestionIndex))
			c.sendPending(ctx)
			return nil
		}
	}
	return domain.ErrNotActive
}

func (c *Controller) selectOption(index int) error {
	if index < 0 || index >= len(c.question.Options) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidOption, index)
	}
	if c.selected != nil && *c.selected != index {
		c.optionChanges++
	}
	c.selected = ptr.To(index)
	return nil
}

// submit freezes the question and sends its answer. Samples queued before
// the source paused still count for this question.
func (c *Controller) submit(ctx context.Context, selected *int, skipped bool) {
	c.sched.Cancel(c.tick)
	c.source.Pause()
	c.drain()

	window := c.buffer.Since(c.questionMark)
	m := attention.Compute(c.currentRegion(), window)
	ratio := attention.Adjust(m, attention.Present(window))
	now := c.clock.Now()

	c.pending = &domain.PendingSubmission{
		SessionID: c.session.ID,
		Key:       c.newKey(),
		Source:    string(c.source.Kind()),
		CreatedAt: now.UTC(),
		Submission: domain.Submission{
			QuestionID:          c.question.ID,
			QuestionIndex:       c.session.CurrentIndex,
			StartedAt:           c.questionStart.UTC(),
			SubmittedAt:         now.UTC(),
			ResponseTimeMS:      now.Sub(c.questionStart).Milliseconds(),
			SelectedOptionIndex: selected,
			WasSkipped:          skipped,
			AttentionMetrics:    m.Wire(ratio, c.optionChanges),
		},
	}
	if c.journal != nil {
		if err := c.journal.Save(ctx, *c.pending); err != nil {
			c.log.Warn("pending submission not journaled", zap.String("session", c.session.ID), zap.Error(err))
		}
	}
	c.log.Info("submitting answer",
		zap.String("session", c.session.ID),
		zap.Int("question", c.session.CurrentIndex),
		zap.Bool("skipped", skipped),
		zap.Float64("attention_ratio", ratio),
		zap.Int("samples", m.Total),
		zap.Int("option_changes", c.optionChanges))

	c.setState(StateSubmitting)
	c.sendPending(ctx)
}

func (c *Controller) sendPending(ctx context.Context) {
	c.inFlight = true
	p := *c.pending
	go func() {
		outcome, err := c.service.SubmitAnswer(ctx, p.SessionID, p.Key, p.Submission)
		c.post(ctx, remoteResult{kind: resultSubmit, outcome: outcome, err: err})
	}()
}

func (c *Controller) onSubmitted(ctx context.Context, r remoteResult) {
	if r.err != nil {
		c.metrics.ObserveSubmission("failed")
		c.log.Warn("submission failed",
			zap.String("session", c.session.ID),
			zap.Int("question", c.pending.Submission.QuestionIndex),
			zap.Error(r.err))
		c.observer.SubmissionFailed(r.err)
		return
	}
	c.metrics.ObserveSubmission(r.outcome.Kind.String())
	c.acknowledge(ctx, r.outcome)

	switch r.outcome.Kind {
	case domain.OutcomeNext:
		next := c.session.CurrentIndex + 1
		if r.outcome.NextIndex != 0 && r.outcome.NextIndex != next {
			c.log.Warn("quiz service reported an unexpected next index",
				zap.String("session", c.session.ID),
				zap.Int("expected", next),
				zap.Int("reported", r.outcome.NextIndex))
		}
		c.buffer.Clear(c.settings.RetainSamples)
		c.beginQuestion(next, *r.outcome.Question)
	case domain.OutcomeComplete:
		c.complete(false, "")
	default:
		c.log.Warn("ambiguous reply treated as completion",
			zap.String("session", c.session.ID),
			zap.String("reason", r.outcome.Reason))
		c.complete(true, r.outcome.Reason)
	}
}

// acknowledge records an accepted submission locally and clears it from the journal.
func (c *Controller) acknowledge(ctx context.Context, outcome domain.Outcome) {
	p := *c.pending
	sub := p.Submission
	c.session.Answers = append(c.session.Answers, domain.Answer{
		QuestionIndex:       sub.QuestionIndex,
		QuestionID:          sub.QuestionID,
		SelectedOptionIndex: sub.SelectedOptionIndex,
		WasSkipped:          sub.WasSkipped,
		IsCorrect:           outcome.IsCorrect,
		AttentionRatio:      sub.AttentionMetrics.AttentionRatio,
	})

	if c.journal != nil {
		if err := c.journal.Delete(ctx, p.SessionID); err != nil {
			c.log.Warn("journal entry not cleared", zap.String("session", p.SessionID), zap.Error(err))
		}
	}
	if c.archive != nil {
		low := sub.AttentionMetrics.AttentionRatio < attention.LowAttentionThreshold
		err := c.archive.Record(ctx, domain.ArchivedAttempt{
			SessionID:     p.SessionID,
			ChapterSlug:   c.settings.ChapterSlug,
			QuestionIndex: sub.QuestionIndex,
			QuestionID:    sub.QuestionID,
			Source:        p.Source,
			WasSkipped:    sub.WasSkipped,
			IsCorrect:     outcome.IsCorrect,
			LowAttention:  low,
			SubmittedAt:   sub.SubmittedAt,
			Metrics:       sub.AttentionMetrics,
		})
		if err != nil {
			c.log.Warn("attempt not archived", zap.String("session", p.SessionID), zap.Error(err))
		}
		if low {
			c.log.Info("low attention attempt",
				zap.String("session", p.SessionID),
				zap.Int("question", sub.QuestionIndex),
				zap.Float64("attention_ratio", sub.AttentionMetrics.AttentionRatio))
		}
	}
	c.pending = nil
}

func (c *Controller) complete(ambiguous bool, reason string) {
	c.sched.Cancel(c.tick)
	c.session.Done = true
	c.finished = true
	c.setState(StateComplete)
	c.log.Info("session complete",
		zap.String("session", c.session.ID),
		zap.Int("answers", len(c.session.Answers)),
		zap.Bool("ambiguous", ambiguous))
	answers := make([]domain.Answer, len(c.session.Answers))
	copy(answers, c.session.Answers)
	c.observer.Completed(Completion{
		SessionID: c.session.ID,
		Ambiguous: ambiguous,
		Reason:    reason,
		Answers:   answers,
	})
}

func (c *Controller) fail(err error) {
	c.err = err
	c.finished = true
	c.setState(StateFailed)
	c.log.Error("session failed", zap.Error(err))
	c.observer.Failed(err)
}
