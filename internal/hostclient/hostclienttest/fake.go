// Package hostclienttest provides an in-memory hostclient.Client for
// exercising the Segmented Transfer and Engine Facade without a real
// network dependency.
package hostclienttest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flasharr/flasharr/internal/hostclient"
)

// Fake is a scriptable hostclient.Client backed by an in-memory byte
// payload. Tests can inject failures for specific offsets or call
// counts to exercise retry, stall, and error-taxonomy paths.
type Fake struct {
	Payload []byte

	mu          sync.Mutex
	failOffsets map[int64]error // offset -> error to return once
	failAfter   int64           // if >0, FetchRange calls beyond this count fail with FailErr
	callCount   int64           // atomic
	FailErr     error

	ResolveErr error
	LoginErr   error
	RefreshErr error

	// Entries, if set, is returned verbatim by Resolve in place of the
	// single-file default, letting tests exercise folder-URL expansion.
	Entries []hostclient.ResolveResult

	ChunkDelay time.Duration // artificial per-read delay, for stall tests
}

// New builds a Fake serving payload as the resolved file's bytes.
func New(payload []byte) *Fake {
	return &Fake{Payload: payload, failOffsets: make(map[int64]error)}
}

// FailOnce arranges for the next FetchRange starting at offset to fail
// with err exactly once.
func (f *Fake) FailOnce(offset int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOffsets[offset] = err
}

func (f *Fake) Resolve(ctx context.Context, sharedURL, sessionToken string) ([]hostclient.ResolveResult, error) {
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	if len(f.Entries) > 0 {
		return f.Entries, nil
	}
	return []hostclient.ResolveResult{{
		DirectURL:     sharedURL,
		Filename:      "fake-payload.bin",
		TotalBytes:    int64(len(f.Payload)),
		SupportsRange: true,
	}}, nil
}

func (f *Fake) FetchRange(ctx context.Context, directURL, sessionToken string, offset, length int64) (*hostclient.RangeResult, error) {
	n := atomic.AddInt64(&f.callCount, 1)

	f.mu.Lock()
	if f.failAfter > 0 && n > f.failAfter && f.FailErr != nil {
		err := f.FailErr
		f.mu.Unlock()
		return nil, err
	}
	if err, ok := f.failOffsets[offset]; ok {
		delete(f.failOffsets, offset)
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	if offset < 0 || offset > int64(len(f.Payload)) {
		return nil, hostclient.ErrNotFound
	}
	end := offset + length
	if end > int64(len(f.Payload)) {
		end = int64(len(f.Payload))
	}

	body := &delayedReader{r: bytes.NewReader(f.Payload[offset:end]), delay: f.ChunkDelay, ctx: ctx}
	return &hostclient.RangeResult{Body: body, Offset: offset, Length: end - offset}, nil
}

func (f *Fake) Login(ctx context.Context, email string, secret []byte) (*hostclient.Session, error) {
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	return &hostclient.Session{Token: "fake-session-" + email, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *Fake) Refresh(ctx context.Context, email, currentToken string) (*hostclient.Session, error) {
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	return &hostclient.Session{Token: currentToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// CallCount returns the number of FetchRange invocations observed so far.
func (f *Fake) CallCount() int64 { return atomic.LoadInt64(&f.callCount) }

type delayedReader struct {
	r     *bytes.Reader
	delay time.Duration
	ctx   context.Context
}

func (d *delayedReader) Read(p []byte) (int, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-d.ctx.Done():
			return 0, d.ctx.Err()
		}
	}
	return d.r.Read(p)
}

func (d *delayedReader) Close() error { return nil }

var _ io.ReadCloser = (*delayedReader)(nil)
