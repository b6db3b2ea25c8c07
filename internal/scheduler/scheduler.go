// Package scheduler implements priority-ordered admission (C5):
// deciding which Queued task starts next, subject to the global and
// per-account concurrency caps, and leasing an account for it.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/metrics"
	"github.com/flasharr/flasharr/internal/taskstore"
)

var log = logging.For("scheduler")

// Admission is handed to the caller's onAdmit callback when a task
// clears every admission gate and has a leased account to run against.
type Admission struct {
	TaskID string
	Lease  *account.Lease
}

// Scheduler owns the priority heap of Queued tasks and the running
// tally of active transfers, global and per account.
type Scheduler struct {
	store *taskstore.Store
	pool  *account.Pool
	cfg   *config.Config

	mu               sync.Mutex
	heap             priorityHeap
	index            map[string]*item
	globalActive     int
	perAccountActive map[string]int

	wake chan struct{}
}

// New builds a Scheduler bound to the given Task Store and Account
// Pool, tuned by cfg's concurrency caps.
func New(store *taskstore.Store, pool *account.Pool, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:            store,
		pool:             pool,
		cfg:              cfg,
		index:            make(map[string]*item),
		perAccountActive: make(map[string]int),
		wake:             make(chan struct{}, 1),
	}
}

// Enqueue admits taskID into the priority heap for future admission.
func (s *Scheduler) Enqueue(taskID string, priority taskstore.Priority, createdAt time.Time) {
	s.mu.Lock()
	if _, exists := s.index[taskID]; exists {
		s.mu.Unlock()
		return
	}
	it := &item{taskID: taskID, priority: priority, createdAt: createdAt}
	heap.Push(&s.heap, it)
	s.index[taskID] = it
	s.mu.Unlock()
	s.notify()
}

// Remove drops a task from the pending heap (used on Cancel/Delete
// while still Queued or Waiting).
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	it, ok := s.index[taskID]
	if ok {
		heap.Remove(&s.heap, it.index)
		delete(s.index, taskID)
	}
	s.mu.Unlock()
}

// Release records that a task running against accountEmail has
// finished (completed, failed, paused, or cancelled), freeing its
// global and per-account concurrency slot, per the pinned "Waiting
// frees slots" decision.
func (s *Scheduler) Release(accountEmail string) {
	s.mu.Lock()
	if s.globalActive > 0 {
		s.globalActive--
	}
	if s.perAccountActive[accountEmail] > 0 {
		s.perAccountActive[accountEmail]--
	}
	s.mu.Unlock()
	s.notify()
}

// Notify wakes the admission loop, e.g. after an account's quota
// window resets or a new account is added to the pool.
func (s *Scheduler) Notify() { s.notify() }

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the admission loop until ctx is cancelled, invoking
// onAdmit for every task that clears admission and has a leased
// account. onAdmit must not block for long; hand off to the engine's
// mailbox and return.
func (s *Scheduler) Run(ctx context.Context, onAdmit func(Admission)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.admitAsManyAsPossible(onAdmit)
	}
}

func (s *Scheduler) admitAsManyAsPossible(onAdmit func(Admission)) {
	for {
		admitted := s.tryAdmitOne(onAdmit)
		if !admitted {
			return
		}
	}
}

// tryAdmitOne attempts to admit the single highest-priority pending
// task. It returns false when nothing can be admitted right now
// (heap empty, global cap reached, or the best candidate has no
// eligible account/room under its per-account cap).
func (s *Scheduler) tryAdmitOne(onAdmit func(Admission)) bool {
	s.mu.Lock()
	if s.globalActive >= s.cfg.MaxGlobalConcurrentTasks {
		s.mu.Unlock()
		return false
	}
	if s.heap.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	top := s.heap[0]
	taskID := top.taskID
	s.mu.Unlock()

	task, err := s.store.Get(taskID)
	if err != nil {
		s.mu.Lock()
		if it, ok := s.index[taskID]; ok {
			heap.Remove(&s.heap, it.index)
			delete(s.index, taskID)
		}
		s.mu.Unlock()
		log.Warn().Err(err).Str("task_id", taskID).Msg("dropping vanished task from admission queue")
		return true
	}

	lease, ok := s.leaseWithinAccountCap(task.TotalBytes)
	if !ok {
		// No account with room under its per-account cap right now;
		// leave queued and try again on the next wake/tick rather than
		// busy-looping this item.
		return false
	}

	s.mu.Lock()
	it, ok := s.index[taskID]
	if !ok {
		// Lost the race with a concurrent Remove; give the lease back.
		s.mu.Unlock()
		_ = s.pool.Release(lease, 0)
		return true
	}
	heap.Remove(&s.heap, it.index)
	delete(s.index, taskID)
	s.globalActive++
	s.perAccountActive[lease.AccountEmail]++
	s.mu.Unlock()

	metrics.SchedulerAdmissionLatencySeconds.Observe(time.Since(task.CreatedAt).Seconds())
	onAdmit(Admission{TaskID: taskID, Lease: lease})
	return true
}

// leaseWithinAccountCap leases an account for estimatedBytes, retrying
// against the next-best eligible account whenever the chosen one is
// already at its per-account concurrency cap, instead of giving up on
// the whole tick the first time the top candidate is saturated.
func (s *Scheduler) leaseWithinAccountCap(estimatedBytes int64) (*account.Lease, bool) {
	var excluded []string
	for {
		lease, err := s.pool.Lease(estimatedBytes, account.WithExcludeAccounts(excluded...))
		if err != nil {
			return nil, false
		}

		s.mu.Lock()
		atCap := s.perAccountActive[lease.AccountEmail] >= s.cfg.MaxConcurrentPerAccount
		s.mu.Unlock()
		if !atCap {
			return lease, true
		}

		_ = s.pool.Release(lease, 0)
		excluded = append(excluded, lease.AccountEmail)
	}
}

// Pending returns the number of tasks currently waiting for admission.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
