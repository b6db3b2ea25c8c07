package taskstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flasharr.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreate_AssignsIDAndDefaults(t *testing.T) {
	s := openTestStore(t)

	t0, err := s.Create(&Task{URL: "https://host/file.bin", Filename: "file.bin", TotalBytes: 1000})
	require.NoError(t, err)
	assert.NotEmpty(t, t0.ID)
	assert.Equal(t, 1, t0.Version)
	assert.False(t, t0.CreatedAt.IsZero())
}

func TestCreate_DedupesOnContentKey(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Create(&Task{URL: "https://host/file.bin", Filename: "file.bin", TotalBytes: 1000})
	require.NoError(t, err)

	second, err := s.Create(&Task{URL: "https://host/file.bin", Filename: "file.bin", TotalBytes: 1000})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdate_BumpsVersionAndPersists(t *testing.T) {
	s := openTestStore(t)
	created, err := s.Create(&Task{URL: "u", Filename: "f", TotalBytes: 100})
	require.NoError(t, err)

	updated, err := s.Update(created.ID, func(t *Task) error {
		t.BytesDone = 50
		t.State = StateActive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), updated.BytesDone)
	assert.Equal(t, 2, updated.Version)

	fetched, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, fetched.State)
}

func TestUpdate_MissingTaskReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Update("does-not-exist", func(t *Task) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_RemovesContentKeyIndex(t *testing.T) {
	s := openTestStore(t)
	created, err := s.Create(&Task{URL: "u", Filename: "f", TotalBytes: 1})
	require.NoError(t, err)

	require.NoError(t, s.Delete(created.ID))

	_, err = s.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := s.Create(&Task{URL: "u", Filename: "f", TotalBytes: 1})
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, again.ID)
}

func TestListByState(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.Create(&Task{URL: "a", Filename: "a", TotalBytes: 1})
	_, _ = s.Update(a.ID, func(t *Task) error { t.State = StateActive; return nil })
	b, _ := s.Create(&Task{URL: "b", Filename: "b", TotalBytes: 1})
	_, _ = s.Update(b.ID, func(t *Task) error { t.State = StateQueued; return nil })

	active, err := s.ListByState(StateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}
