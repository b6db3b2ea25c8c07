// Package transfer implements the Segmented Transfer state machine
// (C4): parallel, range-request workers with dynamic load balancing
// and worker health monitoring, adapted to fetch through the Host
// Client contract and report through the Event Bus.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/hostclient"
	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/metrics"
)

var log = logging.For("transfer")

// ErrEscalateToWaiting is returned by Run when a segment exhausts its
// retry budget: the caller should move the task to Waiting and retry
// the whole task later rather than treat this as a terminal failure.
var ErrEscalateToWaiting = errors.New("transfer: segment exhausted retry budget, escalating to waiting")

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 512*1024)
		return &buf
	},
}

// Progress is the live snapshot a Transfer reports as it runs. The
// engine writes bytes_done to the task store only when the transfer
// stops (completion, pause, requeue or Waiting), not on each report.
type Progress struct {
	BytesDone int64
	SpeedBps  float64
}

// Request describes the work a Transfer must perform.
type Request struct {
	TaskID       string
	DirectURL    string
	SessionToken string
	DestPath     string
	TotalBytes   int64
	Resume       []Segment // non-nil resumes from a prior partial state
}

// OnProgress is invoked at most a few times per second with the
// current aggregate progress.
type OnProgress func(Progress)

// Transfer drives one task's segmented download to completion.
type Transfer struct {
	host hostclient.Client
	cfg  *config.Config

	activeMu sync.Mutex
	active   map[int]*activeWorker

	downloaded int64 // atomic
	escalated  int32 // atomic
	cancelRun  context.CancelFunc
}

// New builds a Transfer bound to the given Host Client and tuning
// configuration.
func New(host hostclient.Client, cfg *config.Config) *Transfer {
	return &Transfer{host: host, cfg: cfg, active: make(map[int]*activeWorker)}
}

// Run downloads req to completion, calling onProgress periodically.
// A nil segment slice alongside a nil error means the transfer
// completed. Otherwise it returns the remaining (unfinished) segments:
// with a nil error when ctx is cancelled mid-flight (the
// Paused/Cancelled transition), with ErrEscalateToWaiting when a
// segment exhausts its retries, or with a worker's non-retryable error.
func (tr *Transfer) Run(ctx context.Context, req Request, onProgress OnProgress) (remaining []Segment, err error) {
	if req.TotalBytes <= 0 {
		return nil, fmt.Errorf("transfer: invalid total bytes %d", req.TotalBytes)
	}
	startedAt := time.Now()

	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0o755); err != nil {
		return nil, err
	}
	stagingPath := req.DestPath + ".part"

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: open staging file: %w", err)
	}
	defer f.Close()

	var segs []Segment
	if len(req.Resume) > 0 {
		segs = req.Resume
	} else {
		if err := f.Truncate(req.TotalBytes); err != nil {
			return nil, fmt.Errorf("transfer: preallocate: %w", err)
		}
		segs = PlanSegments(req.TotalBytes, tr.cfg.MinSegmentSizeBytes, tr.cfg.SegmentsPerTask)
	}

	numWorkers := len(segs)
	if numWorkers < 1 {
		numWorkers = 1
	}

	queue := NewSegmentQueue()
	queue.PushMultiple(segs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tr.cancelRun = cancel

	var wg sync.WaitGroup
	workerErrs := make(chan error, numWorkers)

	progressDone := make(chan struct{})
	go tr.reportProgress(runCtx, req.TotalBytes, onProgress, progressDone)

	go tr.balance(runCtx, queue, numWorkers)
	go tr.monitorHealth(runCtx)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if werr := tr.worker(runCtx, id, req, f, queue); werr != nil && werr != context.Canceled {
				workerErrs <- werr
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(workerErrs)
		queue.Close()
	}()

	go tr.monitorCompletion(runCtx, queue, numWorkers, cancel)

	var firstErr error
	for werr := range workerErrs {
		if firstErr == nil {
			firstErr = werr
		}
	}
	close(progressDone)

	if atomic.LoadInt32(&tr.escalated) == 1 {
		remaining = tr.collectRemaining(queue)
		return remaining, ErrEscalateToWaiting
	}

	if ctx.Err() != nil {
		remaining = tr.collectRemaining(queue)
		return remaining, nil
	}

	if firstErr != nil {
		remaining = tr.collectRemaining(queue)
		return remaining, firstErr
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("transfer: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("transfer: close: %w", err)
	}
	if err := os.Rename(stagingPath, req.DestPath); err != nil {
		if cerr := copyFile(stagingPath, req.DestPath); cerr != nil {
			return nil, fmt.Errorf("transfer: finalize: %w", cerr)
		}
		_ = os.Remove(stagingPath)
	}

	elapsed := time.Since(startedAt)
	bps := float64(req.TotalBytes)
	if secs := elapsed.Seconds(); secs > 0 {
		bps /= secs
	}
	avgSpeed := humanize.Bytes(uint64(bps))
	log.Info().
		Str("task", req.TaskID).
		Str("size", humanize.Bytes(uint64(req.TotalBytes))).
		Str("avg_speed", avgSpeed+"/s").
		Dur("elapsed", elapsed).
		Msg("transfer complete")

	return nil, nil
}

func (tr *Transfer) collectRemaining(queue *SegmentQueue) []Segment {
	remaining := queue.DrainRemaining()

	tr.activeMu.Lock()
	for _, a := range tr.active {
		current := atomic.LoadInt64(&a.currentOffset)
		stopAt := atomic.LoadInt64(&a.stopAt)
		if current < stopAt {
			remaining = append(remaining, Segment{Offset: current, Length: stopAt - current})
		}
	}
	tr.activeMu.Unlock()

	return remaining
}

func (tr *Transfer) reportProgress(ctx context.Context, total int64, onProgress OnProgress, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			speed := tr.aggregateSpeed()
			metrics.TransferSpeedBytesPerSecond.Observe(speed)
			if onProgress != nil {
				onProgress(Progress{
					BytesDone: atomic.LoadInt64(&tr.downloaded),
					SpeedBps:  speed,
				})
			}
		}
	}
}

func (tr *Transfer) aggregateSpeed() float64 {
	tr.activeMu.Lock()
	defer tr.activeMu.Unlock()
	var total float64
	for _, a := range tr.active {
		a.speedMu.Lock()
		total += a.speed
		a.speedMu.Unlock()
	}
	return total
}

func (tr *Transfer) monitorCompletion(ctx context.Context, queue *SegmentQueue, numWorkers int, cancel context.CancelFunc) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if queue.Len() == 0 && int(queue.IdleWorkers()) == numWorkers {
				queue.Close()
				return
			}
		}
	}
}

func (tr *Transfer) balance(ctx context.Context, queue *SegmentQueue, numWorkers int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	minChunk := tr.cfg.MinSegmentSizeBytes
	align := int64(4096)
	maxSplits := 50
	splits := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if queue.IdleWorkers() == 0 || splits >= maxSplits {
				continue
			}
			if queue.SplitLargestIfNeeded(minChunk, align) {
				splits++
			} else if queue.Len() == 0 {
				if tr.stealWork(queue, minChunk, align) {
					splits++
				}
			}
		}
	}
}

func (tr *Transfer) stealWork(queue *SegmentQueue, minChunk, align int64) bool {
	tr.activeMu.Lock()
	defer tr.activeMu.Unlock()

	bestID := -1
	var maxRemaining int64
	var best *activeWorker
	for id, a := range tr.active {
		current := atomic.LoadInt64(&a.currentOffset)
		stopAt := atomic.LoadInt64(&a.stopAt)
		remaining := stopAt - current
		if remaining > minChunk && remaining > maxRemaining {
			maxRemaining = remaining
			bestID = id
			best = a
		}
	}
	if bestID == -1 {
		return false
	}

	splitSize := (maxRemaining / 2 / align) * align
	if splitSize < minChunk {
		return false
	}

	current := atomic.LoadInt64(&best.currentOffset)
	newStopAt := current + splitSize
	atomic.StoreInt64(&best.stopAt, newStopAt)

	stolenStart := newStopAt
	if finalCurrent := atomic.LoadInt64(&best.currentOffset); finalCurrent > newStopAt {
		stolenStart = finalCurrent
	}
	originalEnd := current + maxRemaining
	if stolenStart >= originalEnd {
		return false
	}

	queue.Push(Segment{Offset: stolenStart, Length: originalEnd - stolenStart})
	return true
}

func (tr *Transfer) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.checkWorkerHealth()
		}
	}
}

func (tr *Transfer) checkWorkerHealth() {
	tr.activeMu.Lock()
	defer tr.activeMu.Unlock()

	if len(tr.active) == 0 {
		return
	}

	now := time.Now()
	var totalSpeed float64
	var speedCount int
	for _, a := range tr.active {
		a.speedMu.Lock()
		if a.speed > 0 {
			totalSpeed += a.speed
			speedCount++
		}
		a.speedMu.Unlock()
	}
	var meanSpeed float64
	if speedCount > 0 {
		meanSpeed = totalSpeed / float64(speedCount)
	}

	for id, a := range tr.active {
		if now.Sub(a.startTime) < tr.cfg.SlowWorkerGracePeriod {
			continue
		}

		lastActivity := time.Unix(0, atomic.LoadInt64(&a.lastActivity))
		if now.Sub(lastActivity) > tr.cfg.StallTimeout {
			log.Debug().Int("worker", id).Msg("worker stalled, cancelling")
			atomic.StoreInt32(&a.haltedByMonitor, 1)
			if a.cancel != nil {
				a.cancel()
			}
			continue
		}

		if meanSpeed > 0 {
			a.speedMu.Lock()
			speed := a.speed
			a.speedMu.Unlock()
			belowThreshold := speed > 0 && speed < tr.cfg.SlowWorkerThreshold*meanSpeed
			belowMinimum := speed < float64(tr.cfg.MinAbsoluteSpeedBytes)
			if belowThreshold && belowMinimum {
				log.Debug().Int("worker", id).Float64("speed", speed).Msg("worker slow, cancelling")
				atomic.StoreInt32(&a.haltedByMonitor, 1)
				if a.cancel != nil {
					a.cancel()
				}
			}
		}
	}
}

func (tr *Transfer) worker(ctx context.Context, id int, req Request, file *os.File, queue *SegmentQueue) error {
	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		seg, ok := queue.Pop()
		if !ok {
			return nil
		}

		var lastErr error
		for attempt := 0; attempt < tr.cfg.SegmentRetryMax; attempt++ {
			if attempt > 0 {
				time.Sleep(segmentBackoff(attempt))
			}

			taskCtx, taskCancel := context.WithCancel(ctx)
			now := time.Now()
			aw := &activeWorker{
				segment:       seg,
				currentOffset: seg.Offset,
				stopAt:        seg.Offset + seg.Length,
				lastActivity:  now.UnixNano(),
				startTime:     now,
				cancel:        taskCancel,
				windowStart:   now,
			}
			tr.activeMu.Lock()
			tr.active[id] = aw
			tr.activeMu.Unlock()

			lastErr = tr.fetchSegment(taskCtx, req, file, aw, buf)
			taskCancel()

			if ctx.Err() != nil {
				return ctx.Err()
			}

			tr.activeMu.Lock()
			delete(tr.active, id)
			tr.activeMu.Unlock()

			if atomic.LoadInt32(&aw.haltedByMonitor) == 1 {
				// Health monitor killed this attempt (stalled or
				// persistently slow): requeue whatever is left of the
				// segment for a fresh worker instead of retrying here.
				current := atomic.LoadInt64(&aw.currentOffset)
				stopAt := seg.Offset + seg.Length
				if current < stopAt {
					queue.Push(Segment{Offset: current, Length: stopAt - current})
				}
				lastErr = nil
				break
			}

			if lastErr == nil {
				break
			}

			current := atomic.LoadInt64(&aw.currentOffset)
			if current > seg.Offset {
				seg = Segment{Offset: current, Length: seg.Offset + seg.Length - current}
			}

			if isNonRetryable(lastErr) {
				break
			}
		}

		if lastErr != nil {
			if isNonRetryable(lastErr) {
				return lastErr
			}
			// Transient error, all attempts on this segment exhausted:
			// requeue the remainder and escalate the whole task to
			// Waiting instead of retrying this segment forever.
			queue.Push(seg)
			log.Warn().Err(lastErr).Int64("offset", seg.Offset).Msg("segment exhausted retry budget")
			if atomic.CompareAndSwapInt32(&tr.escalated, 0, 1) {
				tr.cancelRun()
			}
			return nil
		}
	}
}

// isNonRetryable reports whether err should stop this worker
// immediately instead of exhausting the segment's own retry budget:
// these all require task-level recovery (a refresh, a re-resolve, or
// a terminal failure) rather than a same-segment retry.
func isNonRetryable(err error) bool {
	return errors.Is(err, hostclient.ErrAuthExpired) ||
		errors.Is(err, hostclient.ErrLinkExpired) ||
		errors.Is(err, hostclient.ErrQuotaExceeded) ||
		errors.Is(err, hostclient.ErrNotFound) ||
		errors.Is(err, hostclient.ErrPermanent)
}

// segmentBackoff computes the exponential-with-jitter delay before a
// same-segment retry: base 1s, capped at 30s.
func segmentBackoff(attempt int) time.Duration {
	base := time.Second
	maxDelay := 30 * time.Second
	d := base << uint(attempt-1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func (tr *Transfer) fetchSegment(ctx context.Context, req Request, file *os.File, aw *activeWorker, buf []byte) error {
	seg := aw.segment
	result, err := tr.host.FetchRange(ctx, req.DirectURL, req.SessionToken, seg.Offset, seg.Length)
	if err != nil {
		return err
	}
	defer result.Body.Close()

	offset := seg.Offset
	for {
		stopAt := atomic.LoadInt64(&aw.stopAt)
		if offset >= stopAt {
			return nil
		}
		remaining := stopAt - offset
		readSize := int64(len(buf))
		if readSize > remaining {
			readSize = remaining
		}

		readSoFar := 0
		var readErr error
		for int64(readSoFar) < readSize {
			n, err := result.Body.Read(buf[readSoFar:readSize])
			if n > 0 {
				readSoFar += n
			}
			if err != nil {
				readErr = err
				break
			}
		}

		if readSoFar > 0 {
			if _, err := file.WriteAt(buf[:readSoFar], offset); err != nil {
				return fmt.Errorf("transfer: write: %w", err)
			}

			now := time.Now()
			oldOffset := offset
			offset += int64(readSoFar)
			atomic.StoreInt64(&aw.currentOffset, offset)
			atomic.AddInt64(&aw.windowBytes, int64(readSoFar))
			atomic.StoreInt64(&aw.lastActivity, now.UnixNano())

			windowElapsed := now.Sub(aw.windowStart).Seconds()
			if windowElapsed >= 2.0 {
				windowBytes := atomic.SwapInt64(&aw.windowBytes, 0)
				recentSpeed := float64(windowBytes) / windowElapsed

				aw.speedMu.Lock()
				if aw.speed == 0 {
					aw.speed = recentSpeed
				} else {
					aw.speed = (1-tr.cfg.SpeedEMAAlpha)*aw.speed + tr.cfg.SpeedEMAAlpha*recentSpeed
				}
				aw.speedMu.Unlock()
				aw.windowStart = now
			}

			currentStopAt := atomic.LoadInt64(&aw.stopAt)
			effectiveEnd := offset
			if effectiveEnd > currentStopAt {
				effectiveEnd = currentStopAt
			}
			if contributed := effectiveEnd - oldOffset; contributed > 0 {
				atomic.AddInt64(&tr.downloaded, contributed)
				metrics.TransferBytesTotal.WithLabelValues(req.TaskID).Add(float64(contributed))
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("transfer: read: %w", readErr)
		}
	}
}

// maxSegmentsHardCap bounds PlanSegments regardless of configuration:
// no task is ever split into more than this many workers.
const maxSegmentsHardCap = 16

// PlanSegments deterministically splits a totalBytes-length download
// into W equal segments, the last absorbing any remainder. Files
// smaller than minSegmentSize get a single segment; W is otherwise
// maxWorkers, clamped to [1, maxSegmentsHardCap] and to totalBytes.
func PlanSegments(totalBytes, minSegmentSize int64, maxWorkers int) []Segment {
	if totalBytes < minSegmentSize {
		return []Segment{{Offset: 0, Length: totalBytes}}
	}

	w := maxWorkers
	if w > maxSegmentsHardCap {
		w = maxSegmentsHardCap
	}
	if w < 1 {
		w = 1
	}
	if int64(w) > totalBytes {
		w = int(totalBytes)
		if w < 1 {
			w = 1
		}
	}

	base := totalBytes / int64(w)
	if base < 1 {
		base = 1
	}

	segs := make([]Segment, 0, w)
	offset := int64(0)
	for i := 0; i < w; i++ {
		length := base
		if i == w-1 {
			length = totalBytes - offset
		}
		segs = append(segs, Segment{Offset: offset, Length: length})
		offset += length
	}
	return segs
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	return out.Sync()
}
