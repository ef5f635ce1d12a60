package customer

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/worker"
)

func openSeeded(t *testing.T, n int) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, db))
	require.NoError(t, Seed(ctx, db, n))
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func settings(t *testing.T) Settings {
	return Settings{ChunkSize: 7, FetchSize: 10, Policy: DefaultPolicy(), Logger: zaptest.NewLogger(t)}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	p := Validate()

	got, err := p.Process(ctx, Customer{ID: 1, FirstName: "  Ada ", LastName: "Lovelace "})
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)
	assert.Equal(t, "Lovelace", got.LastName)

	_, err = p.Process(ctx, Customer{ID: 2, FirstName: " ", LastName: "Hopper"})
	kind, ok := fault.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalid, kind)
	assert.Contains(t, err.Error(), "customer 2")
}

func TestGenerateIsDeterministic(t *testing.T) {
	assert.Equal(t, Generate(42), Generate(42))
	assert.NotEqual(t, Generate(1), Generate(2))
	assert.NotEmpty(t, Generate(99).FirstName)
}

func TestLogSkips(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	obs := LogSkips(zap.New(core))

	obs.OnSkip(Customer{ID: 7}, fault.Errorf(KindInvalid, "no name"))
	obs.OnSkip(nil, assert.AnError)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "skipping item", logs.All()[0].Message)
	assert.Equal(t, "skipping unreadable item", logs.All()[1].Message)
}

// inlineNode runs partition requests synchronously through a node handler
func inlineNode(t *testing.T, repo execution.Repository, db *sql.DB, s Settings) cluster.Sender[cluster.StepExecutionRequest] {
	t.Helper()
	locator, err := worker.NewStepLocator()
	require.NoError(t, err)
	require.NoError(t, Register(locator, db, s))
	h := worker.NewRequestHandler(locator, repo, worker.WithLogger(s.Logger))
	return cluster.SenderFunc[cluster.StepExecutionRequest](h.Handle)
}

func TestCopyJobPartitioned(t *testing.T) {
	db := openSeeded(t, 100)
	ctx := context.Background()
	_, err := db.Exec(`UPDATE customer SET first_name = '' WHERE id IN (13, 77)`)
	require.NoError(t, err)

	repo := execution.NewMemoryRepository()
	s := settings(t)
	pc := coordinator.NewPartitionCoordinator(repo, inlineNode(t, repo, db, s), coordinator.WithLogger(s.Logger))

	res := pc.Execute(ctx, CopyJob(db, 4, 10*time.Millisecond, time.Minute))

	require.Equal(t, execution.StatusCompleted, res.Status, res.FailureCause)
	require.Len(t, res.Children, 4)
	assert.EqualValues(t, 100, res.ItemsRead)
	assert.EqualValues(t, 98, res.ItemsWritten)
	assert.EqualValues(t, 2, res.ItemsSkipped)
	assert.Equal(t, 98, countRows(t, db, "new_customer"))
	for _, c := range res.Children {
		assert.Equal(t, SlaveStep, c.StepName)
	}
}

func TestCopyJobFailsPastSkipLimit(t *testing.T) {
	db := openSeeded(t, 40)
	_, err := db.Exec(`UPDATE customer SET last_name = '' WHERE id <= 5`)
	require.NoError(t, err)

	repo := execution.NewMemoryRepository()
	s := settings(t)
	s.Policy.SkipLimit = 2
	pc := coordinator.NewPartitionCoordinator(repo, inlineNode(t, repo, db, s))

	res := pc.Execute(context.Background(), CopyJob(db, 4, 10*time.Millisecond, time.Minute))

	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Contains(t, res.FailureCause, "skip limit")
}

func TestExportStepUnderLauncher(t *testing.T) {
	db := openSeeded(t, 25)
	ctx := context.Background()
	s := settings(t)
	s.ExportPath = filepath.Join(t.TempDir(), "customers.jsonl")
	repo := execution.NewMemoryRepository()
	l := worker.NewLauncher(repo)

	step := NewExportStep(db, s)
	_, res, err := l.Launch(ctx, step, "run=1")
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, res.Status, res.FailureCause)

	// Export allows a rerun of the same key and truncates the file
	_, res, err = l.Launch(ctx, step, "run=1")
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, res.Status)

	f, err := os.Open(s.ExportPath)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var c map[string]any
		require.NoError(t, jsoniter.Unmarshal(sc.Bytes(), &c))
		assert.Contains(t, c, "firstName")
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, c["birthdate"])
		lines++
	}
	assert.Equal(t, 25, lines)
}

func TestRegisterWithoutExport(t *testing.T) {
	db := openSeeded(t, 1)
	locator, err := worker.NewStepLocator()
	require.NoError(t, err)
	require.NoError(t, Register(locator, db, settings(t)))
	assert.Equal(t, []string{SlaveStep}, locator.Names())
}

func TestRemoteCopy(t *testing.T) {
	db := openSeeded(t, 60)
	_, err := db.Exec(`UPDATE customer SET first_name = '' WHERE id = 30`)
	require.NoError(t, err)
	s := settings(t)

	requests := cluster.NewMemoryQueue[cluster.ChunkRequest]()
	replies := cluster.NewMemoryQueue[cluster.ChunkReply]()
	cw, err := NewCopyChunkWorker(db, s, worker.WithLogger(s.Logger))
	require.NoError(t, err)
	defer cw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Run(ctx, requests, replies) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	master := NewRemoteCopy(db, s,
		coordinator.RemoteChunkConfig{MaxInFlight: 2, ReceiveTimeout: 5 * time.Second, MaxWaitTimeouts: 3},
		requests, replies, coordinator.WithLogger(s.Logger))
	res := master.Run(context.Background(), nil)

	require.Equal(t, execution.StatusCompleted, res.Status, res.FailureCause)
	assert.EqualValues(t, 60, res.ItemsRead)
	assert.EqualValues(t, 59, res.ItemsWritten)
	assert.EqualValues(t, 1, res.ItemsSkipped)
	assert.Equal(t, 59, countRows(t, db, "new_customer"))
}
