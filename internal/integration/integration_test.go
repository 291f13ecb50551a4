package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"k8s.io/utils/ptr"

	"gazequiz/internal/domain"
	pgarchive "gazequiz/internal/infra/postgres"
	pgmigrations "gazequiz/internal/infra/postgres/migrations"
	infraredis "gazequiz/internal/infra/redis"
)

func TestArchiveAndJournalEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	journal := infraredis.NewJournal(redisClient, 5*time.Minute)
	archive := pgarchive.NewArchive(pool)

	pending := samplePending("s-1", 1)
	if err := journal.Save(ctx, pending); err != nil {
		t.Fatalf("journal save: %v", err)
	}
	listed, err := journal.List(ctx)
	if err != nil {
		t.Fatalf("journal list: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != pending.Key {
		t.Fatalf("expected the pending submission, got %+v", listed)
	}

	attempt := domain.ArchivedAttempt{
		SessionID:     pending.SessionID,
		ChapterSlug:   "organic-chemistry",
		QuestionIndex: pending.Submission.QuestionIndex,
		QuestionID:    pending.Submission.QuestionID,
		Source:        pending.Source,
		IsCorrect:     ptr.To(true),
		LowAttention:  true,
		SubmittedAt:   pending.Submission.SubmittedAt,
		Metrics:       pending.Submission.AttentionMetrics,
	}
	if err := archive.Record(ctx, attempt); err != nil {
		t.Fatalf("record: %v", err)
	}
	// A repeated acknowledgement must not duplicate the row.
	if err := archive.Record(ctx, attempt); err != nil {
		t.Fatalf("record again: %v", err)
	}
	second := samplePending("s-1", 2)
	if err := archive.Record(ctx, domain.ArchivedAttempt{
		SessionID:     second.SessionID,
		ChapterSlug:   "organic-chemistry",
		QuestionIndex: 2,
		QuestionID:    second.Submission.QuestionID,
		Source:        second.Source,
		WasSkipped:    true,
		SubmittedAt:   second.Submission.SubmittedAt,
		Metrics:       second.Submission.AttentionMetrics,
	}); err != nil {
		t.Fatalf("record second: %v", err)
	}
	if err := journal.Delete(ctx, pending.SessionID); err != nil {
		t.Fatalf("journal delete: %v", err)
	}

	history, err := archive.History(ctx, "s-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].QuestionIndex != 1 || history[1].QuestionIndex != 2 {
		t.Fatalf("expected two attempts in order, got %+v", history)
	}
	first := history[0]
	if first.IsCorrect == nil || !*first.IsCorrect || !first.LowAttention {
		t.Fatalf("unexpected first attempt %+v", first)
	}
	if len(first.Metrics.RawAttentionTrace) != 2 || first.Metrics.OffScreenDurationMS != 400 {
		t.Fatalf("metrics did not round-trip through jsonb: %+v", first.Metrics)
	}
	if history[1].IsCorrect != nil || !history[1].WasSkipped {
		t.Fatalf("unexpected second attempt %+v", history[1])
	}

	if _, err := journal.Get(ctx, "s-1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected journal entry gone, got %v", err)
	}
}

func samplePending(sessionID string, index int) domain.PendingSubmission {
	submitted := time.Date(2025, 3, 1, 9, 0, index, 0, time.UTC)
	return domain.PendingSubmission{
		SessionID: sessionID,
		Key:       fmt.Sprintf("key-%d", index),
		Source:    "synthetic",
		CreatedAt: submitted,
		Submission: domain.Submission{
			QuestionID:     fmt.Sprintf("q-%d", index),
			QuestionIndex:  index,
			StartedAt:      submitted.Add(-4 * time.Second),
			SubmittedAt:    submitted,
			ResponseTimeMS: 4000,
			AttentionMetrics: domain.AttentionMetrics{
				AttentionRatio:      0.35,
				OffScreenRatio:      0.2,
				OffScreenDurationMS: 400,
				NumGazeSamples:      20,
				NumOnTaskSamples:    7,
				NumOffTaskSamples:   13,
				RawAttentionTrace: []domain.TracePoint{
					{TMs: 0, OnTask: true},
					{TMs: 1000, OnTask: false},
				},
			},
		},
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "gaze", "POSTGRES_PASSWORD": "gazepass", "POSTGRES_DB": "gazequiz"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://gaze:gazepass@%s:%s/gazequiz?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

// migrateSchema applies the archive migrations; postgres may still be
// starting up, so the first attempts can fail.
func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		if err = migrator.Init(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
