package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gazequiz/internal/config"
	"gazequiz/internal/infra/memory"
	redisinfra "gazequiz/internal/infra/redis"
	transport "gazequiz/internal/transport/http"
)

// NewServeCmd builds the subcommand that serves the websocket gateway.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve quiz sessions to browser clients over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
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

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	summaryTTL := config.Duration(cfg.Quiz.SummaryTTL, 5*time.Minute)
	var summaries transport.SummaryProvider
	if rt.redis != nil {
		summaries = redisinfra.NewSummaryCache(rt.redis, rt.quiz, summaryTTL)
	} else {
		summaries = memory.NewSummaryCache(rt.quiz, summaryTTL)
	}

	opts := transport.GatewayOptions{
		WS:             transport.NewWSHandler(rt.settings(), rt.deps(nil, nil), cfg.Server.AllowedOrigins, rt.log),
		Summaries:      summaries,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         rt.log,
	}
	if rt.registry != nil {
		opts.Gatherer = rt.registry
	}

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewGateway(opts),
		ReadHeaderTimeout: 15 * time.Second,
		// Sessions end with the process, hijacked connections included.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("starting gaze quiz gateway", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
