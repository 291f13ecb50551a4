package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gazequiz/internal/config"
)

// NewOutboxCmd lists submissions the quiz service has not acknowledged yet.
func NewOutboxCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List pending submissions awaiting the quiz service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), *configPath, func(rt *runtime) error {
				return printOutbox(cmd.Context(), rt, cmd.OutOrStdout())
			})
		},
	}
}

// NewHistoryCmd prints the archived attempts of one session.
func NewHistoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show archived attempts and attention metrics for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), *configPath, func(rt *runtime) error {
				return printHistory(cmd.Context(), rt, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func withRuntime(ctx context.Context, configPath string, fn func(*runtime) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt)
}

func printOutbox(ctx context.Context, rt *runtime, out io.Writer) error {
	pending, err := rt.journal.List(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "no pending submissions")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tQUESTION\tKEY\tSOURCE\tATTENTION\tCREATED")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f\t%s\n",
			p.SessionID, p.Submission.QuestionIndex, p.Key, p.Source,
			p.Submission.AttentionMetrics.AttentionRatio, p.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printHistory(ctx context.Context, rt *runtime, sessionID string, out io.Writer) error {
	attempts, err := rt.archive.History(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintf(out, "no attempts archived for %s\n", sessionID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tQUESTION\tSOURCE\tSKIPPED\tCORRECT\tATTENTION\tOFF-SCREEN\tSAMPLES\tLOW")
	for _, a := range attempts {
		correct := "-"
		if a.IsCorrect != nil {
			correct = fmt.Sprint(*a.IsCorrect)
		}
		m := a.Metrics
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%.2f\t%dms\t%d\t%t\n",
			a.QuestionIndex, a.QuestionID, a.Source, a.WasSkipped, correct,
			m.AttentionRatio, m.OffScreenDurationMS, m.NumGazeSamples, a.LowAttention)
	}
	return w.Flush()
}
