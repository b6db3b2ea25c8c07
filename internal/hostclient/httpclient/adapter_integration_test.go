package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharr/flasharr/internal/hostclient"
	"github.com/flasharr/flasharr/internal/testutil"
)

func TestFetchRange_AgainstRangeCapableServer(t *testing.T) {
	mock := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*1024),
		testutil.WithRangeSupport(true),
		testutil.WithRandomData(true),
	)
	defer mock.Close()

	a, err := New(Options{})
	require.NoError(t, err)

	result, err := a.FetchRange(context.Background(), mock.URL(), "", 1000, 2000)
	require.NoError(t, err)
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Len(t, data, 2000)
	assert.EqualValues(t, 1, mock.Stats().RangeRequests)
}

func TestFetchRange_ReturnsDisconnectErrorOnTruncatedBody(t *testing.T) {
	mock := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*1024),
		testutil.WithRangeSupport(true),
		testutil.WithFailAfterBytes(512),
	)
	defer mock.Close()

	a, err := New(Options{})
	require.NoError(t, err)

	result, err := a.FetchRange(context.Background(), mock.URL(), "", 0, 4096)
	require.NoError(t, err)
	defer result.Body.Close()

	_, err = io.ReadAll(result.Body)
	assert.Error(t, err)
}

func TestFetchRange_MapsExpiredSessionTo401(t *testing.T) {
	mock := testutil.NewMockServerT(t,
		testutil.WithFileSize(4096),
		testutil.WithRangeSupport(true),
		testutil.WithForceStatus(http.StatusUnauthorized, 1),
	)
	defer mock.Close()

	a, err := New(Options{})
	require.NoError(t, err)

	_, err = a.FetchRange(context.Background(), mock.URL(), "stale-token", 0, 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hostclient.ErrAuthExpired))
}

func TestFetchRange_MapsRejectedDirectURLTo403(t *testing.T) {
	mock := testutil.NewMockServerT(t,
		testutil.WithFileSize(4096),
		testutil.WithRangeSupport(true),
		testutil.WithForceStatus(http.StatusForbidden, 1),
	)
	defer mock.Close()

	a, err := New(Options{})
	require.NoError(t, err)

	_, err = a.FetchRange(context.Background(), mock.URL(), "", 0, 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hostclient.ErrLinkExpired))
}
