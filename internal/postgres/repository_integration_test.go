//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/postgres"
	"github.com/ramiqadoumi/imageflow/internal/postgres/migrations"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("imageflow"),
		tcPostgres.WithUsername("imageflow"),
		tcPostgres.WithPassword("imageflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPostgresDSN = dsn

	if err := runMigrations(ctx, dsn); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	return m.Run()
}

func runMigrations(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgxpool.New: %w", err)
	}
	defer pool.Close()

	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec %s: %w", f, err)
		}
	}
	return nil
}

// newRepo truncates the tables on cleanup.
func newRepo(t *testing.T) postgres.JobRepository {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE job_executions, jobs CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewRepository(pool)
}

func TestPostgres_CreateFinishGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := domain.NewTask(domain.Params{Kind: domain.KindTextToImage, Prompt: "a fox", ImageNumber: 2})
	require.NoError(t, repo.Create(ctx, task.Snapshot(), task.Params))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.Results)

	require.NoError(t, task.MarkRunning())
	require.NoError(t, task.Complete([]domain.Result{{URL: "/files/2024-01-01/a.png", Seed: "9"}}))
	require.NoError(t, repo.Finish(ctx, task.Snapshot()))
	require.NoError(t, repo.RecordExecution(ctx, &domain.Execution{
		TaskID: task.ID, Status: domain.StatusSuccess, DurationMs: 12, ResultCount: 1,
	}))

	got, err = repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "/files/2024-01-01/a.png", got.Results[0].URL)
	require.NotNil(t, got.FinishedAt)
}

func TestPostgres_GetByID_NotFound(t *testing.T) {
	repo := newRepo(t)

	for _, id := range []string{"00000000-0000-0000-0000-000000000000", "not-a-uuid"} {
		_, err := repo.GetByID(context.Background(), id)
		var notFound *domain.TaskNotFoundError
		require.ErrorAs(t, err, &notFound, id)
	}
}

func TestPostgres_ListByStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := domain.NewTask(domain.Params{Kind: domain.KindImagePrompt})
		require.NoError(t, repo.Create(ctx, task.Snapshot(), task.Params))
		if i == 0 {
			require.NoError(t, task.Fail(fmt.Errorf("backend down")))
			require.NoError(t, repo.Finish(ctx, task.Snapshot()))
		}
	}

	failed, err := repo.ListByStatus(ctx, domain.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "backend down", failed[0].Error)

	pending, err := repo.ListByStatus(ctx, domain.StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
