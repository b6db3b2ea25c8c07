package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/engine"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/hostclient/hostclienttest"
	"github.com/flasharr/flasharr/internal/taskstore"
)

func newTestServer(t *testing.T, token string) (*Server, *hostclienttest.Fake) {
	t.Helper()
	dir := t.TempDir()

	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := account.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	fake := hostclienttest.New([]byte("hello world"))
	bus := events.New(32)
	cfg := config.DefaultConfig()
	cfg.DownloadDir = dir

	eng := engine.New(store, pool, bus, fake, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng.Start(ctx)

	return New(eng, token), fake
}

func TestCreateAndGetTask(t *testing.T) {
	srv, _ := newTestServer(t, "")
	require.NoError(t, srv.engine.AddAccount(context.Background(), "a@host", account.TierPremium, []byte("s"), 1<<30))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(createTaskRequest{URL: "http://fake/share/x", DestPath: filepath.Join(t.TempDir(), "out.bin")})
	resp, err := http.Post(ts.URL+"/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.TaskIDs, 1)
	assert.NotEmpty(t, created.TaskIDs[0])

	resp2, err := http.Get(ts.URL + "/downloads/" + created.TaskIDs[0])
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var snap taskstore.Snapshot
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&snap))
	assert.Equal(t, created.TaskIDs[0], snap.ID)
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/downloads")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/downloads", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics_DoesNotRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStream_DeliversTaskQueuedEvent(t *testing.T) {
	srv, _ := newTestServer(t, "")
	require.NoError(t, srv.engine.AddAccount(context.Background(), "a@host", account.TierPremium, []byte("s"), 1<<30))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	go func() {
		time.Sleep(50 * time.Millisecond)
		body, _ := json.Marshal(createTaskRequest{URL: "http://fake/share/y", DestPath: filepath.Join(t.TempDir(), "out2.bin")})
		http.Post(ts.URL+"/downloads", "application/json", bytes.NewReader(body))
	}()

	// The first frame is the sync_all snapshot; read event lines until
	// the task_queued event for the task created above arrives.
	var seen []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			seen = append(seen, line)
			if line == "event: task_queued" {
				break
			}
		}
	}
	require.NotEmpty(t, seen)
	assert.Contains(t, seen, "event: task_queued")
}
