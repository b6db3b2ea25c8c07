package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/taskstore"
)

func newTestStores(t *testing.T) (*taskstore.Store, *account.Pool) {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := account.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return store, pool
}

func addTask(t *testing.T, store *taskstore.Store, url string, priority taskstore.Priority, total int64) *taskstore.Task {
	t.Helper()
	task, err := store.Create(&taskstore.Task{URL: url, Filename: url, TotalBytes: total, Priority: priority, State: taskstore.StateQueued})
	require.NoError(t, err)
	return task
}

func TestScheduler_AdmitsHighestPriorityFirst(t *testing.T) {
	store, pool := newTestStores(t)
	require.NoError(t, pool.Add(&account.Account{Email: "a@host", Tier: account.TierPremium, DailyQuotaBytes: 10 * 1024 * 1024, SessionToken: "tok"}))

	cfg := config.DefaultConfig()
	cfg.MaxGlobalConcurrentTasks = 1
	cfg.MaxConcurrentPerAccount = 1
	s := New(store, pool, cfg)

	low := addTask(t, store, "low", taskstore.PriorityLow, 1024)
	urgent := addTask(t, store, "urgent", taskstore.PriorityUrgent, 1024)
	s.Enqueue(low.ID, low.Priority, low.CreatedAt)
	s.Enqueue(urgent.ID, urgent.Priority, urgent.CreatedAt)

	var mu sync.Mutex
	var admitted []string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go s.Run(ctx, func(a Admission) {
		mu.Lock()
		admitted = append(admitted, a.TaskID)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(admitted) >= 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, urgent.ID, admitted[0])
}

func TestScheduler_RespectsGlobalConcurrencyCap(t *testing.T) {
	store, pool := newTestStores(t)
	require.NoError(t, pool.Add(&account.Account{Email: "a@host", Tier: account.TierPremium, DailyQuotaBytes: 10 * 1024 * 1024, SessionToken: "tok"}))

	cfg := config.DefaultConfig()
	cfg.MaxGlobalConcurrentTasks = 1
	cfg.MaxConcurrentPerAccount = 5
	s := New(store, pool, cfg)

	t1 := addTask(t, store, "one", taskstore.PriorityNormal, 1024)
	t2 := addTask(t, store, "two", taskstore.PriorityNormal, 1024)
	s.Enqueue(t1.ID, t1.Priority, t1.CreatedAt)
	s.Enqueue(t2.ID, t2.Priority, t2.CreatedAt)

	var mu sync.Mutex
	var admitted []string
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go s.Run(ctx, func(a Admission) {
		mu.Lock()
		admitted = append(admitted, a.TaskID)
		mu.Unlock()
	})

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, admitted, 1)
	assert.Equal(t, 1, s.Pending())
}

func TestScheduler_NoEligibleAccountLeavesTaskPending(t *testing.T) {
	store, pool := newTestStores(t)
	require.NoError(t, pool.Add(&account.Account{Email: "a@host", Tier: account.TierFree, DailyQuotaBytes: 100, SessionToken: "tok"}))

	cfg := config.DefaultConfig()
	cfg.MaxGlobalConcurrentTasks = 4
	cfg.MaxConcurrentPerAccount = 4
	s := New(store, pool, cfg)

	big := addTask(t, store, "big", taskstore.PriorityNormal, 10000)
	s.Enqueue(big.ID, big.Priority, big.CreatedAt)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var called bool
	go s.Run(ctx, func(a Admission) { called = true })
	<-ctx.Done()

	assert.False(t, called)
	assert.Equal(t, 1, s.Pending())
}

func TestScheduler_ReleaseFreesSlotForNextAdmission(t *testing.T) {
	store, pool := newTestStores(t)
	require.NoError(t, pool.Add(&account.Account{Email: "a@host", Tier: account.TierPremium, DailyQuotaBytes: 10 * 1024 * 1024, SessionToken: "tok"}))

	cfg := config.DefaultConfig()
	cfg.MaxGlobalConcurrentTasks = 1
	cfg.MaxConcurrentPerAccount = 1
	s := New(store, pool, cfg)

	t1 := addTask(t, store, "one", taskstore.PriorityNormal, 1024)
	t2 := addTask(t, store, "two", taskstore.PriorityNormal, 1024)
	s.Enqueue(t1.ID, t1.Priority, t1.CreatedAt)
	s.Enqueue(t2.ID, t2.Priority, t2.CreatedAt)

	var mu sync.Mutex
	var admissions []Admission
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go s.Run(ctx, func(a Admission) {
		mu.Lock()
		admissions = append(admissions, a)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(admissions) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	first := admissions[0]
	mu.Unlock()
	s.Release(first.Lease.AccountEmail)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(admissions) == 2
	}, time.Second, 10*time.Millisecond)
}
