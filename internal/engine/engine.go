// Package engine implements the Engine Facade (C7): the single
// actor-style owner of the Task Store, Account Pool, and Scheduler,
// exposing the public operations every caller (HTTP control surface,
// CLI) uses, and running one Transfer actor per active task.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/hostclient"
	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/metrics"
	"github.com/flasharr/flasharr/internal/scheduler"
	"github.com/flasharr/flasharr/internal/taskstore"
	"github.com/flasharr/flasharr/internal/transfer"
	"github.com/flasharr/flasharr/internal/utils"
)

var log = logging.For("engine")

// ErrNoAccountsConfigured is returned by AddTask when the pool holds no
// usable account to resolve the URL against.
var ErrNoAccountsConfigured = errors.New("engine: no accounts configured")

const (
	intentPause  = "pause"
	intentCancel = "cancel"
	intentDelete = "delete"
)

// runningTransfer tracks the in-memory state of one active task's
// Transfer actor; this is exactly the state that needs single-writer
// (mailbox) access, since the durable stores already serialize their
// own writes.
type runningTransfer struct {
	cancel     context.CancelFunc
	lease      *account.Lease
	startBytes int64
	intent     string
	deleteFile bool
}

// Engine ties C1-C6 together behind the public operation surface.
type Engine struct {
	store *taskstore.Store
	pool  *account.Pool
	sched *scheduler.Scheduler
	bus   *events.Bus
	host  hostclient.Client
	cfg   *config.Config
	ext   transfer.Extractor

	mailbox chan func()
	running map[string]*runningTransfer

	wg        sync.WaitGroup
	ctx       context.Context
	cancelAll context.CancelFunc
}

// New builds an Engine. Call Start to begin processing.
func New(store *taskstore.Store, pool *account.Pool, bus *events.Bus, host hostclient.Client, cfg *config.Config) *Engine {
	e := &Engine{
		store:   store,
		pool:    pool,
		sched:   scheduler.New(store, pool, cfg),
		bus:     bus,
		host:    host,
		cfg:     cfg,
		ext:     transfer.SniffExtractor{},
		mailbox: make(chan func(), 64),
		running: make(map[string]*runningTransfer),
	}
	pool.SetSessionRefresher(func(email, currentToken string) (string, time.Time, error) {
		session, err := host.Refresh(context.Background(), email, currentToken)
		if err != nil {
			return "", time.Time{}, err
		}
		return session.Token, session.ExpiresAt, nil
	})
	return e
}

// Start launches the mailbox loop and the admission scheduler, and
// re-queues any task left Active or Queued by a prior process (crash
// recovery).
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancelAll = context.WithCancel(ctx)
	go e.runMailbox()
	go e.sched.Run(e.ctx, e.onAdmit)
	go e.reportMetrics(e.ctx)
	go e.publishEngineStats(e.ctx)
	e.recoverOnStart()
}

// publishEngineStats pushes a snapshot of aggregate engine health to
// the event bus once a second, but only when it has changed since the
// last push, so idle periods don't spam subscribers.
func (e *Engine) publishEngineStats(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last events.EngineStats
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, err := e.store.List()
			if err != nil {
				continue
			}
			accounts, err := e.pool.List()
			if err != nil {
				continue
			}
			stats := events.EngineStats{
				TotalTasks:    len(tasks),
				ByState:       map[string]int{},
				AccountsTotal: len(accounts),
			}
			for _, t := range tasks {
				stats.ByState[string(t.State)]++
				if t.State == taskstore.StateActive || t.State == taskstore.StateExtracting {
					stats.ActiveTasks++
				}
			}
			if first || !engineStatsEqual(stats, last) {
				e.bus.Publish(events.KindEngineStats, "", stats)
				last = stats
				first = false
			}
		}
	}
}

func engineStatsEqual(a, b events.EngineStats) bool {
	if a.TotalTasks != b.TotalTasks || a.ActiveTasks != b.ActiveTasks || a.AccountsTotal != b.AccountsTotal {
		return false
	}
	if len(a.ByState) != len(b.ByState) {
		return false
	}
	for k, v := range a.ByState {
		if b.ByState[k] != v {
			return false
		}
	}
	return true
}

// reportMetrics periodically refreshes the gauges that reflect
// durable-store state rather than in-flight events (task counts by
// state, per-account quota and lease occupancy).
func (e *Engine) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tasks, err := e.store.List(); err == nil {
				counts := map[taskstore.State]int{}
				for _, t := range tasks {
					counts[t.State]++
				}
				for _, state := range taskstore.AllStates {
					metrics.TasksByState.WithLabelValues(string(state)).Set(float64(counts[state]))
				}
			}
			if accounts, err := e.pool.List(); err == nil {
				for _, a := range accounts {
					metrics.AccountQuotaRemainingBytes.WithLabelValues(a.Email).Set(float64(a.RemainingBytes()))
					metrics.AccountInFlightLeases.WithLabelValues(a.Email).Set(float64(a.InFlightLeases))
				}
			}
		}
	}
}

// Stop cancels every in-flight transfer and waits for them to unwind.
func (e *Engine) Stop() {
	e.cancelAll()
	e.wg.Wait()
}

func (e *Engine) runMailbox() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.mailbox:
			fn()
		}
	}
}

// submit runs fn on the mailbox goroutine and waits for its result,
// serializing access to Engine's in-memory bookkeeping.
func submit[T any](e *Engine, fn func() (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	select {
	case e.mailbox <- func() {
		v, err := fn()
		ch <- res{v, err}
	}:
	case <-e.ctx.Done():
		var zero T
		return zero, e.ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-e.ctx.Done():
		var zero T
		return zero, e.ctx.Err()
	}
}

func (e *Engine) recoverOnStart() {
	tasks, err := e.store.List()
	if err != nil {
		log.Error().Err(err).Msg("failed to list tasks during recovery")
		return
	}
	for _, t := range tasks {
		switch t.State {
		case taskstore.StateQueued:
			e.sched.Enqueue(t.ID, t.Priority, t.CreatedAt)
		case taskstore.StateActive, taskstore.StateExtracting, taskstore.StateWaiting:
			// The process restarted mid-transfer (or mid-backoff): the
			// in-memory Transfer actor and retry timer are both gone,
			// so fall back to Queued and let admission resume it from
			// its persisted segments.
			if _, err := e.store.Update(t.ID, func(task *taskstore.Task) error {
				task.State = taskstore.StateQueued
				return nil
			}); err != nil {
				log.Error().Err(err).Str("task_id", t.ID).Msg("failed to requeue task on recovery")
				continue
			}
			e.sched.Enqueue(t.ID, t.Priority, t.CreatedAt)
		}
	}
}

// AddTask resolves url's metadata (if not already known) and admits
// one or more new tasks into the scheduler: a folder URL expands into
// one task per file Resolve returns.
func (e *Engine) AddTask(ctx context.Context, url, destPath, category string, priority taskstore.Priority) ([]*taskstore.Task, error) {
	return submit(e, func() ([]*taskstore.Task, error) {
		token, err := e.anySessionToken()
		if err != nil {
			return nil, err
		}

		resolved, err := e.host.Resolve(ctx, url, token)
		if err != nil {
			return nil, err
		}
		if len(resolved) == 0 {
			return nil, fmt.Errorf("engine: resolve returned no entries for %s", url)
		}

		created := make([]*taskstore.Task, 0, len(resolved))
		for _, r := range resolved {
			dest := destPath
			if dest == "" {
				dest = e.defaultDestPath(url, r.Filename)
			} else if len(resolved) > 1 {
				dest = filepath.Join(dest, r.Filename)
			}

			task := &taskstore.Task{
				URL:            url,
				Filename:       r.Filename,
				DestPath:       dest,
				TotalBytes:     r.TotalBytes,
				Priority:       priority,
				Category:       category,
				State:          taskstore.StateQueued,
				SourceMetadata: r.SourceMetadata,
			}
			c, err := e.store.Create(task)
			if err != nil {
				return nil, err
			}

			e.sched.Enqueue(c.ID, c.Priority, c.CreatedAt)
			e.bus.Publish(events.KindTaskQueued, c.ID, events.TaskQueued{TaskID: c.ID, Filename: c.Filename})
			created = append(created, c)
		}
		return created, nil
	})
}

// defaultDestPath mirrors the source URL's host/path under the
// configured download directory when a caller doesn't name an
// explicit destination.
func (e *Engine) defaultDestPath(sourceURL, filename string) string {
	if filename == "" {
		filename = "download.bin"
	}
	sub, err := utils.ExtractURLPath(sourceURL)
	if err != nil || sub == "" {
		return filepath.Join(e.cfg.DownloadDir, filename)
	}
	return filepath.Join(e.cfg.DownloadDir, sub, filename)
}

func (e *Engine) anySessionToken() (string, error) {
	accounts, err := e.pool.List()
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if !a.Disabled && a.SessionToken != "" {
			return a.SessionToken, nil
		}
	}
	return "", ErrNoAccountsConfigured
}

// GetTask returns one task's durable record.
func (e *Engine) GetTask(id string) (*taskstore.Task, error) {
	return e.store.Get(id)
}

// ListTasks returns every known task.
func (e *Engine) ListTasks() ([]*taskstore.Task, error) {
	return e.store.List()
}

// QueryTasks filters, orders, and pages the task set for importer-style
// listing (by state, category, or filename substring).
func (e *Engine) QueryTasks(filter taskstore.ListFilter, order taskstore.Order, page taskstore.Page) ([]*taskstore.Task, int, error) {
	return e.store.Query(filter, order, page)
}

// PauseTask interrupts an Active task (persisting its partial
// progress) or simply dequeues a Queued/Waiting one.
func (e *Engine) PauseTask(id string) error {
	_, err := submit(e, func() (struct{}, error) {
		if rt, ok := e.running[id]; ok {
			rt.intent = intentPause
			rt.cancel()
			return struct{}{}, nil
		}
		e.sched.Remove(id)
		_, err := e.store.Update(id, func(t *taskstore.Task) error {
			if isTerminal(t.State) {
				// Pausing an already-finished task is a no-op success.
				return nil
			}
			t.State = taskstore.StatePaused
			return nil
		})
		return struct{}{}, err
	})
	return err
}

// isTerminal reports whether s is an absorbing state: pause, resume and
// cancel leave such a task as it is; only RetryTask (from Failed) and
// DeleteTask move it out.
func isTerminal(s taskstore.State) bool {
	return s == taskstore.StateCompleted || s == taskstore.StateFailed || s == taskstore.StateCancelled
}

// ResumeTask moves a Paused task back onto the admission heap.
func (e *Engine) ResumeTask(id string) error {
	_, err := submit(e, func() (struct{}, error) {
		task, err := e.store.Update(id, func(t *taskstore.Task) error {
			if t.State != taskstore.StatePaused {
				return errNotPaused(t.State)
			}
			t.State = taskstore.StateQueued
			return nil
		})
		if err != nil {
			return struct{}{}, err
		}
		e.sched.Enqueue(task.ID, task.Priority, task.CreatedAt)
		e.bus.Publish(events.KindTaskResumed, task.ID, events.TaskResumed{TaskID: task.ID, Filename: task.Filename})
		return struct{}{}, nil
	})
	return err
}

// CancelTask stops a task permanently, whether it is active or merely
// queued.
func (e *Engine) CancelTask(id string) error {
	_, err := submit(e, func() (struct{}, error) {
		if rt, ok := e.running[id]; ok {
			rt.intent = intentCancel
			rt.cancel()
			return struct{}{}, nil
		}
		e.sched.Remove(id)
		current, err := e.store.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if isTerminal(current.State) {
			// Cancel is idempotent on an already-Cancelled task, and
			// Completed/Failed are absorbing states cancel never
			// reopens.
			return struct{}{}, nil
		}
		task, err := e.store.Update(id, func(t *taskstore.Task) error {
			t.State = taskstore.StateCancelled
			return nil
		})
		if err != nil {
			return struct{}{}, err
		}
		e.bus.Publish(events.KindTaskFailed, task.ID, events.TaskFailed{TaskID: task.ID, Filename: task.Filename, ErrorKind: "cancelled"})
		return struct{}{}, nil
	})
	return err
}

// RetryTask moves a Failed task back onto the admission heap, clearing
// its error fields and restarting the transfer from scratch.
func (e *Engine) RetryTask(id string) error {
	_, err := submit(e, func() (struct{}, error) {
		task, err := e.store.Update(id, func(t *taskstore.Task) error {
			if t.State != taskstore.StateFailed {
				return errNotFailed(t.State)
			}
			t.State = taskstore.StateQueued
			t.ErrorKind = ""
			t.ErrorMessage = ""
			t.Segments = nil
			t.BytesDone = 0
			return nil
		})
		if err != nil {
			return struct{}{}, err
		}
		e.sched.Enqueue(task.ID, task.Priority, task.CreatedAt)
		e.bus.Publish(events.KindTaskQueued, task.ID, events.TaskQueued{TaskID: task.ID, Filename: task.Filename})
		return struct{}{}, nil
	})
	return err
}

// DeleteTask removes a task's durable record entirely, stopping any
// in-flight transfer first. When alsoDeleteFile is set, the staging
// partial and (if present) the finished output file are removed too.
func (e *Engine) DeleteTask(id string, alsoDeleteFile bool) error {
	_, err := submit(e, func() (struct{}, error) {
		if rt, ok := e.running[id]; ok {
			rt.intent = intentDelete
			if alsoDeleteFile {
				rt.deleteFile = true
			}
			rt.cancel()
			return struct{}{}, nil
		}
		e.sched.Remove(id)
		task, err := e.store.Get(id)
		if err == nil {
			e.bus.Publish(events.KindTaskRemoved, id, events.TaskRemoved{TaskID: id, Filename: task.Filename})
			if alsoDeleteFile {
				removeTaskFiles(task)
			}
		}
		return struct{}{}, e.store.Delete(id)
	})
	return err
}

// removeTaskFiles unlinks a task's staging partial and finished output
// file, ignoring a missing file on either path.
func removeTaskFiles(task *taskstore.Task) {
	if task.DestPath == "" {
		return
	}
	if err := os.Remove(task.DestPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to remove task output file")
	}
	if err := os.Remove(task.DestPath + ".part"); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to remove task staging file")
	}
}

// AddAccount inserts a pooled account, logging in to obtain its first
// session.
func (e *Engine) AddAccount(ctx context.Context, email string, tier account.Tier, secret []byte, dailyQuotaBytes int64) error {
	session, err := e.host.Login(ctx, email, secret)
	if err != nil {
		return err
	}
	return e.pool.Add(&account.Account{
		Email:            email,
		Tier:             tier,
		SecretBlob:       secret,
		SessionToken:     session.Token,
		SessionExpiresAt: session.ExpiresAt,
		DailyQuotaBytes:  dailyQuotaBytes,
	})
}

// RemoveAccount drops a pooled account.
func (e *Engine) RemoveAccount(email string) error {
	return e.pool.Remove(email)
}

// ListAccounts returns the status of every pooled account.
func (e *Engine) ListAccounts() ([]account.Status, error) {
	accounts, err := e.pool.List()
	if err != nil {
		return nil, err
	}
	out := make([]account.Status, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.ToStatus())
	}
	return out, nil
}

// RefreshAccount re-authenticates a pooled account against the host.
func (e *Engine) RefreshAccount(ctx context.Context, email string) error {
	acct, err := e.pool.Get(email)
	if err != nil {
		return err
	}
	session, err := e.host.Refresh(ctx, email, acct.SessionToken)
	if err != nil {
		return err
	}
	if err := e.pool.Refresh(email, session.Token, session.ExpiresAt); err != nil {
		return err
	}
	e.bus.Publish(events.KindAccountStatus, email, events.AccountStatusChanged{Email: email})
	return nil
}

// Subscribe returns a live event subscription (for the SSE stream),
// having already delivered one sync_all snapshot of every known task
// so the new subscriber never misses a delta that raced its connect.
func (e *Engine) Subscribe() *events.Subscription {
	sub := e.bus.Subscribe()
	tasks, err := e.store.List()
	if err != nil {
		log.Error().Err(err).Msg("failed to snapshot tasks for new subscriber")
		return sub
	}
	snaps := make([]taskstore.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.ToSnapshot(0))
	}
	sub.Deliver(events.KindSyncAll, events.SyncAll{Tasks: snaps})
	return sub
}

// Unsubscribe releases a subscription obtained from Subscribe.
func (e *Engine) Unsubscribe(sub *events.Subscription) { e.bus.Unsubscribe(sub) }

// onAdmit is the scheduler's callback; it always runs on the
// scheduler's own goroutine, so it hands off to the mailbox before
// touching Engine's in-memory maps.
func (e *Engine) onAdmit(a scheduler.Admission) {
	select {
	case e.mailbox <- func() { e.startTransfer(a) }:
	case <-e.ctx.Done():
	}
}

func (e *Engine) startTransfer(a scheduler.Admission) {
	task, err := e.store.Get(a.TaskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", a.TaskID).Msg("admitted task vanished before start")
		_ = e.pool.Release(a.Lease, 0)
		e.sched.Release(a.Lease.AccountEmail)
		return
	}

	resolved, err := e.resolveForTask(task, a.Lease.SessionToken)
	if err != nil {
		e.failTask(task.ID, err)
		_ = e.pool.Release(a.Lease, 0)
		e.sched.Release(a.Lease.AccountEmail)
		return
	}

	taskCtx, cancel := context.WithCancel(e.ctx)
	e.running[task.ID] = &runningTransfer{cancel: cancel, lease: a.Lease, startBytes: task.BytesDone}

	if _, err := e.store.Update(task.ID, func(t *taskstore.Task) error {
		t.State = taskstore.StateActive
		t.AccountEmail = a.Lease.AccountEmail
		t.LeaseID = a.Lease.ID
		t.TotalBytes = resolved.TotalBytes
		if t.Filename == "" {
			t.Filename = resolved.Filename
		}
		return nil
	}); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task active")
	}
	e.bus.Publish(events.KindTaskStarted, task.ID, events.TaskStarted{TaskID: task.ID, URL: task.URL, Filename: task.Filename, Total: resolved.TotalBytes, DestPath: task.DestPath})

	e.wg.Add(1)
	go e.runTransfer(taskCtx, task, resolved, a)
}

// resolveForTask re-resolves task.URL and picks the entry matching
// this task, since a folder URL's Resolve call can return many
// entries but a task is bound to exactly one of them.
func (e *Engine) resolveForTask(task *taskstore.Task, sessionToken string) (*hostclient.ResolveResult, error) {
	entries, err := e.host.Resolve(e.ctx, task.URL, sessionToken)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("engine: resolve returned no entries for %s", task.URL)
	}
	for i := range entries {
		if entries[i].Filename == task.Filename {
			return &entries[i], nil
		}
	}
	return &entries[0], nil
}

func (e *Engine) runTransfer(ctx context.Context, task *taskstore.Task, resolved *hostclient.ResolveResult, a scheduler.Admission) {
	defer e.wg.Done()

	tr := transfer.New(e.host, e.cfg)
	req := transfer.Request{
		TaskID:       task.ID,
		DirectURL:    resolved.DirectURL,
		SessionToken: a.Lease.SessionToken,
		DestPath:     task.DestPath,
		TotalBytes:   resolved.TotalBytes,
		Resume:       toTransferSegments(task.Segments),
	}

	var lastBytes int64
	remaining, err := tr.Run(ctx, req, func(p transfer.Progress) {
		lastBytes = p.BytesDone
		e.bus.Publish(events.KindTaskUpdated, task.ID, events.TaskUpdated{
			TaskID:     task.ID,
			BytesDone:  task.BytesDone + p.BytesDone,
			TotalBytes: resolved.TotalBytes,
			SpeedBps:   p.SpeedBps,
		})
	})

	select {
	case e.mailbox <- func() { e.finishTransfer(task, resolved, remaining, lastBytes, err) }:
	case <-e.ctx.Done():
	}
}

func (e *Engine) finishTransfer(task *taskstore.Task, resolved *hostclient.ResolveResult, remaining []transfer.Segment, lastBytes int64, runErr error) {
	rt, ok := e.running[task.ID]
	if !ok {
		return
	}
	delete(e.running, task.ID)
	defer e.sched.Release(rt.lease.AccountEmail)

	consumed := lastBytes
	if consumed < 0 {
		consumed = 0
	}

	switch {
	case errors.Is(runErr, transfer.ErrEscalateToWaiting):
		e.escalateToWaiting(task, rt, remaining, consumed)

	case errors.Is(runErr, hostclient.ErrAuthExpired):
		e.requeueAfterTransientLoss(task, rt, remaining, consumed, true)

	case errors.Is(runErr, hostclient.ErrLinkExpired), errors.Is(runErr, hostclient.ErrQuotaExceeded):
		e.requeueAfterTransientLoss(task, rt, remaining, consumed, false)

	case runErr != nil:
		_ = e.pool.Release(rt.lease, consumed)
		e.failTask(task.ID, runErr)

	case len(remaining) > 0 || rt.intent == intentPause:
		_ = e.pool.Release(rt.lease, consumed)
		finalState := taskstore.StatePaused
		if rt.intent == intentCancel || rt.intent == intentDelete {
			finalState = taskstore.StateCancelled
		}
		_, err := e.store.Update(task.ID, func(t *taskstore.Task) error {
			t.State = finalState
			t.BytesDone = rt.startBytes + consumed
			t.Segments = toTaskstoreSegments(remaining)
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist paused state")
		}
		if rt.intent == intentDelete {
			if rt.deleteFile {
				removeTaskFiles(task)
			}
			_ = e.store.Delete(task.ID)
		}
		if finalState == taskstore.StatePaused {
			e.bus.Publish(events.KindTaskPaused, task.ID, events.TaskPaused{TaskID: task.ID, Filename: task.Filename, BytesDone: rt.startBytes + consumed})
		} else {
			e.bus.Publish(events.KindTaskFailed, task.ID, events.TaskFailed{TaskID: task.ID, Filename: task.Filename, ErrorKind: "cancelled"})
		}

	default:
		_ = e.pool.Release(rt.lease, consumed)
		needsExtract, _ := e.ext.NeedsExtraction(task.DestPath)
		finalState := taskstore.StateCompleted
		if needsExtract {
			finalState = taskstore.StateExtracting
			if err := e.ext.Extract(task.DestPath, task.DestPath+".out"); err == nil {
				finalState = taskstore.StateCompleted
			}
		}
		now := time.Now()
		if _, err := e.store.Update(task.ID, func(t *taskstore.Task) error {
			t.State = finalState
			t.BytesDone = t.TotalBytes
			t.Segments = nil
			t.CompletedAt = now
			return nil
		}); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist completed state")
		}
		e.bus.Publish(events.KindTaskCompleted, task.ID, events.TaskCompleted{TaskID: task.ID, Filename: task.Filename, Total: resolved.TotalBytes})
	}
}

// requeueAfterTransientLoss returns a task to Queued after a recovery
// condition that isn't a real failure: an expired session (refresh is
// attempted first), an expired direct link, or an exhausted quota.
// The task keeps its partial progress and resumes from its persisted
// segments once re-admitted.
func (e *Engine) requeueAfterTransientLoss(task *taskstore.Task, rt *runningTransfer, remaining []transfer.Segment, consumed int64, refresh bool) {
	if refresh {
		session, err := e.host.Refresh(e.ctx, rt.lease.AccountEmail, rt.lease.SessionToken)
		if err != nil {
			log.Warn().Err(err).Str("account", rt.lease.AccountEmail).Msg("session refresh after auth expiry failed")
		} else if err := e.pool.Refresh(rt.lease.AccountEmail, session.Token, session.ExpiresAt); err != nil {
			log.Warn().Err(err).Str("account", rt.lease.AccountEmail).Msg("failed to persist refreshed session")
		}
	}
	_ = e.pool.Release(rt.lease, consumed)

	updated, err := e.store.Update(task.ID, func(t *taskstore.Task) error {
		t.State = taskstore.StateQueued
		t.BytesDone = rt.startBytes + consumed
		t.Segments = toTaskstoreSegments(remaining)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue task after transient loss")
		return
	}
	e.sched.Enqueue(updated.ID, updated.Priority, updated.CreatedAt)
}

// escalateToWaiting moves a task whose segment exhausted its retry
// budget into Waiting, with its own backoff, and schedules a
// re-admission once that backoff elapses.
func (e *Engine) escalateToWaiting(task *taskstore.Task, rt *runningTransfer, remaining []transfer.Segment, consumed int64) {
	_ = e.pool.Release(rt.lease, consumed)

	updated, err := e.store.Update(task.ID, func(t *taskstore.Task) error {
		t.State = taskstore.StateWaiting
		t.BytesDone = rt.startBytes + consumed
		t.Segments = toTaskstoreSegments(remaining)
		t.RetryCount++
		t.NextRetryAt = time.Now().Add(waitingBackoff(t.RetryCount, e.cfg))
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist waiting state")
		return
	}
	e.bus.Publish(events.KindTaskWaiting, task.ID, events.TaskWaiting{
		TaskID: task.ID, Filename: task.Filename, RetryCount: updated.RetryCount, NextRetryAt: updated.NextRetryAt,
	})
	e.scheduleReadmission(updated.ID, updated.NextRetryAt)
}

// waitingBackoff computes the task-level retry delay: base 30s,
// doubling per retry, capped at TaskRetryCapSeconds.
func waitingBackoff(retryCount int, cfg *config.Config) time.Duration {
	secs := cfg.TaskRetryBaseSeconds * math.Pow(2, float64(retryCount-1))
	if secs > cfg.TaskRetryCapSeconds || secs <= 0 {
		secs = cfg.TaskRetryCapSeconds
	}
	return time.Duration(secs * float64(time.Second))
}

// scheduleReadmission flips a Waiting task back to Queued and
// re-enters it on the admission heap once at has elapsed.
func (e *Engine) scheduleReadmission(taskID string, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		select {
		case e.mailbox <- func() { e.readmitWaitingTask(taskID) }:
		case <-e.ctx.Done():
		}
	})
}

func (e *Engine) readmitWaitingTask(taskID string) {
	task, err := e.store.Get(taskID)
	if err != nil || task.State != taskstore.StateWaiting {
		return
	}
	updated, err := e.store.Update(taskID, func(t *taskstore.Task) error {
		t.State = taskstore.StateQueued
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to re-queue waiting task")
		return
	}
	e.sched.Enqueue(updated.ID, updated.Priority, updated.CreatedAt)
}

func (e *Engine) failTask(taskID string, err error) {
	kind := classifyErrKind(err)
	if _, uerr := e.store.Update(taskID, func(t *taskstore.Task) error {
		t.State = taskstore.StateFailed
		t.ErrorKind = kind
		t.ErrorMessage = err.Error()
		t.RetryCount++
		return nil
	}); uerr != nil {
		log.Error().Err(uerr).Str("task_id", taskID).Msg("failed to persist failed state")
		return
	}
	e.bus.Publish(events.KindTaskFailed, taskID, events.TaskFailed{TaskID: taskID, ErrorKind: kind, Err: err})
}

func classifyErrKind(err error) string {
	switch {
	case errors.Is(err, hostclient.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, hostclient.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, hostclient.ErrLinkExpired):
		return "link_expired"
	case errors.Is(err, hostclient.ErrNotFound):
		return "not_found"
	case errors.Is(err, hostclient.ErrNetworkTransient):
		return "network_transient"
	case errors.Is(err, hostclient.ErrPermanent):
		return "permanent"
	default:
		return "permanent"
	}
}

func toTransferSegments(segs []taskstore.Segment) []transfer.Segment {
	if len(segs) == 0 {
		return nil
	}
	out := make([]transfer.Segment, len(segs))
	for i, s := range segs {
		out[i] = transfer.Segment{Offset: s.Offset, Length: s.Length}
	}
	return out
}

func toTaskstoreSegments(segs []transfer.Segment) []taskstore.Segment {
	if len(segs) == 0 {
		return nil
	}
	out := make([]taskstore.Segment, len(segs))
	for i, s := range segs {
		out[i] = taskstore.Segment{Offset: s.Offset, Length: s.Length}
	}
	return out
}

func errNotPaused(s taskstore.State) error {
	return errors.New("engine: task is not paused (currently " + string(s) + ")")
}

func errNotFailed(s taskstore.State) error {
	return errors.New("engine: task is not failed (currently " + string(s) + ")")
}
