package transfer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/hostclient/hostclienttest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SegmentsPerTask = 4
	cfg.MinSegmentSizeBytes = 1024
	cfg.MaxSegmentSizeBytes = 8192
	cfg.SegmentRetryMax = 3
	cfg.TaskRetryBaseSeconds = 0.01
	cfg.StallTimeout = 200 * time.Millisecond
	cfg.SlowWorkerGracePeriod = 100 * time.Millisecond
	return cfg
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestRun_DownloadsCompletePayload(t *testing.T) {
	payload := randomPayload(t, 64*1024)
	fake := hostclienttest.New(payload)
	tr := New(fake, testConfig())

	dest := filepath.Join(t.TempDir(), "out.bin")
	req := Request{TaskID: "t1", DirectURL: "http://fake/file", TotalBytes: int64(len(payload)), DestPath: dest}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remaining, err := tr.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.Nil(t, remaining)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRun_RetriesFailedSegment(t *testing.T) {
	payload := randomPayload(t, 16*1024)
	fake := hostclienttest.New(payload)
	fake.FailOnce(0, assertableTransientErr)

	tr := New(fake, testConfig())
	dest := filepath.Join(t.TempDir(), "out.bin")
	req := Request{TaskID: "t2", DirectURL: "http://fake/file", TotalBytes: int64(len(payload)), DestPath: dest}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := tr.Run(ctx, req, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRun_ReportsProgress(t *testing.T) {
	payload := randomPayload(t, 32*1024)
	fake := hostclienttest.New(payload)
	// Hold each range read past the first 500ms progress tick so the
	// callback fires before the transfer finishes.
	fake.ChunkDelay = 600 * time.Millisecond
	tr := New(fake, testConfig())
	dest := filepath.Join(t.TempDir(), "out.bin")
	req := Request{TaskID: "t3", DirectURL: "http://fake/file", TotalBytes: int64(len(payload)), DestPath: dest}

	var calls, lastBytes int64
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := tr.Run(ctx, req, func(p Progress) {
		atomic.AddInt64(&calls, 1)
		atomic.StoreInt64(&lastBytes, p.BytesDone)
	})
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&calls), int64(0))
	assert.LessOrEqual(t, atomic.LoadInt64(&lastBytes), int64(len(payload)))
}

func TestRun_CancelReturnsRemainingSegments(t *testing.T) {
	payload := randomPayload(t, 256*1024)
	fake := hostclienttest.New(payload)
	fake.ChunkDelay = 50 * time.Millisecond
	tr := New(fake, testConfig())
	dest := filepath.Join(t.TempDir(), "out.bin")
	req := Request{TaskID: "t4", DirectURL: "http://fake/file", TotalBytes: int64(len(payload)), DestPath: dest}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	remaining, err := tr.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, remaining)

	var total int64
	for _, s := range remaining {
		total += s.Length
	}
	assert.Greater(t, total, int64(0))
	assert.LessOrEqual(t, total, int64(len(payload)))
}

func TestBuildSegments_CoversWholeRange(t *testing.T) {
	segs := BuildSegments(10000, 3000)
	var total int64
	for _, s := range segs {
		total += s.Length
	}
	assert.Equal(t, int64(10000), total)
	assert.Equal(t, int64(0), segs[0].Offset)
}

var assertableTransientErr = contextDeadlineLikeErr{}

type contextDeadlineLikeErr struct{}

func (contextDeadlineLikeErr) Error() string { return "simulated transient failure" }
