package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"gazequiz/internal/app"
	"gazequiz/internal/config"
	"gazequiz/internal/domain"
	"gazequiz/internal/gaze"
)

// NewRunCmd builds the subcommand that takes one quiz session in the terminal.
func NewRunCmd(configPath *string) *cobra.Command {
	var (
		chapter      string
		maxQuestions int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Take a quiz session from the terminal",
		Long: `Run a single session. Type "select N", "submit", "skip", "retry",
"status" or "quit" and press enter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), *configPath, chapter, maxQuestions, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&chapter, "chapter", "", "chapter slug (overrides quiz.chapter)")
	cmd.Flags().IntVar(&maxQuestions, "max", 0, "maximum number of questions (overrides quiz.max_questions)")
	return cmd
}

func runSession(ctx context.Context, configPath, chapter string, maxQuestions int, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.requireQuizService(); err != nil {
		return err
	}

	settings := rt.settings()
	if chapter != "" {
		settings.ChapterSlug = chapter
	}
	if maxQuestions > 0 {
		settings.MaxQuestions = maxQuestions
	}
	if settings.ChapterSlug == "" {
		return errors.New("no chapter: pass --chapter or set quiz.chapter")
	}

	region := questionRegion(cfg.Attention.Region, cfg.Synthetic.Viewport)
	term := &terminal{out: out}
	ctrl := app.NewController(settings, rt.deps(app.StaticGeometry(region), term))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		readCommands(ctx, ctrl, in, term)
		cancel()
	}()

	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// questionRegion returns the configured region or the middle of the viewport.
func questionRegion(configured *gaze.Region, vp gaze.Viewport) gaze.Region {
	if configured != nil {
		return *configured
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = app.DefaultSettings().Viewport
	}
	return gaze.Region{
		Left:   vp.Width * 0.2,
		Top:    vp.Height * 0.25,
		Right:  vp.Width * 0.8,
		Bottom: vp.Height * 0.75,
	}
}

// readCommands feeds stdin lines to the controller until EOF, quit or the
// session ends.
func readCommands(ctx context.Context, ctrl *app.Controller, in io.Reader, term *terminal) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch strings.ToLower(fields[0]) {
		case "select", "s":
			if len(fields) != 2 {
				term.printf("usage: select N\n")
				continue
			}
			n, convErr := strconv.Atoi(fields[1])
			if convErr != nil {
				term.printf("option must be a number\n")
				continue
			}
			// Options are shown 1-based.
			err = ctrl.SelectOption(ctx, n-1)
		case "submit":
			err = ctrl.Submit(ctx)
		case "skip":
			err = ctrl.Skip(ctx)
		case "retry":
			err = ctrl.Retry(ctx)
		case "status":
			term.status(ctrl.Status())
		case "quit", "exit":
			return
		default:
			term.printf("unknown command %q\n", fields[0])
		}
		if errors.Is(err, domain.ErrControllerStopped) {
			return
		}
		if err != nil {
			term.printf("error: %v\n", err)
		}
	}
}

// terminal prints controller events as plain text.
type terminal struct {
	app.NopObserver
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) status(st app.Status) {
	t.printf("state=%s question=%d/%d source=%s attention=%.2f present=%t samples=%d changes=%d\n",
		st.State, st.QuestionIndex, st.MaxQuestions, st.Source, st.Score, st.Present, st.Buffered, st.OptionChanges)
}

func (t *terminal) CalibrationPoint(index, total int, p gaze.Point) {
	t.printf("calibration %d/%d: look at (%.0f, %.0f)\n", index+1, total, p.X, p.Y)
}

func (t *terminal) QuestionShown(index, total int, q domain.Question) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nQuestion %d/%d [%s]\n%s\n", index, total, q.Difficulty, q.Text)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, opt)
	}
	t.printf("%s", b.String())
}

func (t *terminal) PresenceChanged(present bool) {
	if present {
		t.printf("welcome back\n")
		return
	}
	t.printf("we cannot see you, please face the screen\n")
}

func (t *terminal) SubmissionFailed(err error) {
	t.printf("submission failed: %v (type retry)\n", err)
}

func (t *terminal) Completed(c app.Completion) {
	correct := 0
	for _, a := range c.Answers {
		if a.IsCorrect != nil && *a.IsCorrect {
			correct++
		}
	}
	t.printf("\nsession %s complete: %d answered, %d correct\n", c.SessionID, len(c.Answers), correct)
	if c.Ambiguous {
		t.printf("the quiz service reply was unclear (%s); check the summary\n", c.Reason)
	}
}

func (t *terminal) Failed(err error) {
	t.printf("session failed: %v\n", err)
}
