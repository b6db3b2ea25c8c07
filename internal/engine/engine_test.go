package engine

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/hostclient/hostclienttest"
	"github.com/flasharr/flasharr/internal/taskstore"
)

func newTestEngine(t *testing.T, payload []byte) (*Engine, *hostclienttest.Fake) {
	t.Helper()
	dir := t.TempDir()

	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := account.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	fake := hostclienttest.New(payload)
	bus := events.New(64)

	cfg := config.DefaultConfig()
	cfg.SegmentsPerTask = 2
	cfg.MinSegmentSizeBytes = 512
	cfg.MaxSegmentSizeBytes = 4096
	cfg.MaxGlobalConcurrentTasks = 4
	cfg.MaxConcurrentPerAccount = 4
	cfg.DownloadDir = dir

	e := New(store, pool, bus, fake, cfg)
	require.NoError(t, e.AddAccount(context.Background(), "user@host", account.TierPremium, []byte("secret"), int64(len(payload))*10+1))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)

	return e, fake
}

func TestAddTask_ResolvesAndCompletes(t *testing.T) {
	payload := make([]byte, 8*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	e, _ := newTestEngine(t, payload)
	dest := filepath.Join(t.TempDir(), "out.bin")

	tasks, err := e.AddTask(context.Background(), "http://fake/share/abc", dest, "", taskstore.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.NotEmpty(t, task.ID)

	require.Eventually(t, func() bool {
		got, err := e.GetTask(task.ID)
		return err == nil && got.State == taskstore.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestAddTask_NoAccountsFails(t *testing.T) {
	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	pool, err := account.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	fake := hostclienttest.New([]byte("x"))
	bus := events.New(8)
	cfg := config.DefaultConfig()
	e := New(store, pool, bus, fake, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)

	_, err = e.AddTask(context.Background(), "http://fake/share/abc", filepath.Join(dir, "out"), "", taskstore.PriorityNormal)
	assert.ErrorIs(t, err, ErrNoAccountsConfigured)
}

func TestCancelTask_RemovesQueuedTask(t *testing.T) {
	payload := make([]byte, 8*1024)
	e, fake := newTestEngine(t, payload)
	fake.ChunkDelay = 50 * time.Millisecond // slow the in-flight transfer so the queued one stays queued

	dest1 := filepath.Join(t.TempDir(), "out1.bin")
	dest2 := filepath.Join(t.TempDir(), "out2.bin")

	_, err := e.AddTask(context.Background(), "http://fake/share/one", dest1, "", taskstore.PriorityNormal)
	require.NoError(t, err)
	secondTasks, err := e.AddTask(context.Background(), "http://fake/share/two", dest2, "", taskstore.PriorityNormal)
	require.NoError(t, err)
	second := secondTasks[0]

	require.NoError(t, e.CancelTask(second.ID))

	require.Eventually(t, func() bool {
		got, err := e.GetTask(second.ID)
		return err == nil && got.State == taskstore.StateCancelled
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPauseAndResumeTask(t *testing.T) {
	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	e, fake := newTestEngine(t, payload)
	fake.ChunkDelay = 20 * time.Millisecond

	dest := filepath.Join(t.TempDir(), "out.bin")
	tasks, err := e.AddTask(context.Background(), "http://fake/share/abc", dest, "", taskstore.PriorityNormal)
	require.NoError(t, err)
	task := tasks[0]

	require.Eventually(t, func() bool {
		got, err := e.GetTask(task.ID)
		return err == nil && got.State == taskstore.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.PauseTask(task.ID))

	require.Eventually(t, func() bool {
		got, err := e.GetTask(task.ID)
		return err == nil && got.State == taskstore.StatePaused
	}, 2*time.Second, 10*time.Millisecond)

	fake.ChunkDelay = 0
	require.NoError(t, e.ResumeTask(task.ID))

	require.Eventually(t, func() bool {
		got, err := e.GetTask(task.ID)
		return err == nil && got.State == taskstore.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
