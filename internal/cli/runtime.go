package cli

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"gazequiz/internal/app"
	"gazequiz/internal/config"
	"gazequiz/internal/gaze"
	"gazequiz/internal/infra/memory"
	pgarchive "gazequiz/internal/infra/postgres"
	"gazequiz/internal/infra/quizapi"
	redisinfra "gazequiz/internal/infra/redis"
	"gazequiz/internal/logging"
	"gazequiz/internal/monitoring"
	"gazequiz/internal/tracing"
)

// runtime holds the process-wide collaborators every command builds from config.
type runtime struct {
	cfg      config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	redis    *redis.Client
	pool     *pgxpool.Pool
	journal  app.Journal
	archive  app.Archive
	quiz     *quizapi.Client

	closers []func()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

// newRuntime wires storage, metrics, tracing and the quiz client. Redis and
// Postgres are optional; without them pending submissions and archived
// attempts stay in memory.
func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log}
	rt.closers = append(rt.closers, func() { _ = log.Sync() })

	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics = monitoring.New(rt.registry)
	}

	if cfg.Tracing.Endpoint != "" {
		name := cfg.Tracing.ServiceName
		if name == "" {
			name = "gazequiz"
		}
		tp, err := tracing.InitTracer(name, cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		} else {
			rt.closers = append(rt.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			})
		}
	}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
		rt.journal = redisinfra.NewJournal(rt.redis, config.Duration(cfg.Redis.TTL, 24*time.Hour))
	} else {
		rt.journal = memory.NewJournal()
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			rt.close()
			return nil, err
		}
		rt.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.closers = append(rt.closers, rt.pool.Close)
		rt.archive = pgarchive.NewArchive(rt.pool)
	} else {
		rt.archive = memory.NewArchive()
	}

	rt.quiz = quizapi.New(quizapi.Options{
		BaseURL: cfg.Quiz.BaseURL,
		Token:   cfg.Quiz.Token,
		Timeout: config.Duration(cfg.Quiz.Timeout, 15*time.Second),
		Logger:  log,
		Metrics: rt.metrics,
	})
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) settings() app.Settings {
	cfg := rt.cfg
	return app.Settings{
		ChapterSlug:       cfg.Quiz.Chapter,
		MaxQuestions:      cfg.Quiz.MaxQuestions,
		DeviceInfo:        cfg.Quiz.DeviceInfo,
		Viewport:          cfg.Synthetic.Viewport,
		CalibrationDwell:  config.Duration(cfg.Attention.CalibrationDwell, 0),
		CalibrationSettle: config.Duration(cfg.Attention.CalibrationSettle, 0),
		TickInterval:      config.Duration(cfg.Attention.TickInterval, 0),
		BufferCapacity:    cfg.Attention.BufferCapacity,
	}
}

// sources builds a fresh tracker/synthetic pair per session.
func (rt *runtime) sources() app.SourceFactory {
	cfg := rt.cfg
	return func(ctx context.Context) (gaze.Source, error) {
		var primary gaze.Source
		if cfg.Tracker.URL != "" {
			primary = gaze.NewTrackerSource(gaze.TrackerConfig{
				URL:            cfg.Tracker.URL,
				ConnectTimeout: config.Duration(cfg.Tracker.ConnectTimeout, 0),
				PollInterval:   config.Duration(cfg.Tracker.PollInterval, 0),
			}, clock.RealClock{}, rt.log)
		}
		synthetic := gaze.DefaultSyntheticConfig()
		synthetic.Interval = config.Duration(cfg.Synthetic.Interval, synthetic.Interval)
		if cfg.Synthetic.FocusProbability > 0 {
			synthetic.FocusProbability = cfg.Synthetic.FocusProbability
		}
		if cfg.Synthetic.Spread > 0 {
			synthetic.Spread = cfg.Synthetic.Spread
		}
		if cfg.Synthetic.Viewport.Width > 0 && cfg.Synthetic.Viewport.Height > 0 {
			synthetic.Viewport = cfg.Synthetic.Viewport
		}
		fallback := gaze.NewSyntheticSource(synthetic, clock.RealClock{}, rt.log)
		return gaze.Open(ctx, primary, fallback, rt.log.Named("gaze"))
	}
}

func (rt *runtime) deps(geometry app.Geometry, observer app.Observer) app.Deps {
	return app.Deps{
		Service:  rt.quiz,
		Sources:  rt.sources(),
		Geometry: geometry,
		Observer: observer,
		Journal:  rt.journal,
		Archive:  rt.archive,
		Metrics:  rt.metrics,
		Logger:   rt.log,
	}
}

var errNoQuizService = errors.New("quiz.base_url not configured")

func (rt *runtime) requireQuizService() error {
	if rt.cfg.Quiz.BaseURL == "" {
		return errNoQuizService
	}
	return nil
}
