package taskstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketByContent = []byte("tasks_by_content_key")
)

// ErrNotFound is returned when a task ID has no record.
var ErrNotFound = errors.New("taskstore: task not found")

// ErrConflict reports a version mismatch between a caller's copy of a
// task and the stored record. Update does not return it: Update applies
// its mutator to the stored record inside one write transaction and
// bumps Version without comparing it to any caller-held value.
var ErrConflict = errors.New("taskstore: version conflict")

// Store is the durable task record keeper (C1 of the core design).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and
// ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTasks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByContent)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// ContentKey computes the dedup key for a given URL/filename/size
// triple (the pinned dedup Open Question decision).
func ContentKey(url, filename string, totalBytes int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", url, filename, totalBytes)))
	return hex.EncodeToString(sum[:])
}

// Create inserts a new task. If a task already exists with the same
// content key, Create returns that existing task instead of creating a
// duplicate (idempotent add, per the dedup decision in DESIGN.md).
func (s *Store) Create(t *Task) (*Task, error) {
	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	if t.ContentKey == "" {
		t.ContentKey = ContentKey(t.URL, t.Filename, t.TotalBytes)
	}

	var result Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketByContent)
		if existingID := cb.Get([]byte(t.ContentKey)); existingID != nil {
			tb := tx.Bucket(bucketTasks)
			data := tb.Get(existingID)
			if data != nil {
				return json.Unmarshal(data, &result)
			}
		}

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
			return err
		}
		if err := cb.Put([]byte(t.ContentKey), []byte(t.ID)); err != nil {
			return err
		}
		result = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	var t Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns every task, sorted oldest-created first.
func (s *Store) List() ([]*Task, error) {
	var tasks []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// ListByState returns every task currently in the given state.
func (s *Store) ListByState(state State) ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListFilter narrows Query's result set. A zero-value ListFilter
// matches every task. States, if non-empty, is an OR across states;
// Category and Query match exact-category and case-insensitive
// substring-of-filename respectively.
type ListFilter struct {
	States   []State
	Category string
	Query    string
}

func (f ListFilter) matches(t *Task) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if t.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(t.Filename), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// Order names a sort applied by Query.
type Order string

const (
	OrderAddedDesc   Order = "added_desc"
	OrderSize        Order = "size"
	OrderProgress    Order = "progress"
	OrderStateWeight Order = "state_weight"
)

// stateWeight orders active work ahead of queued work ahead of terminal
// states, for the "state_weight" order.
func stateWeight(s State) int {
	switch s {
	case StateActive, StateExtracting:
		return 0
	case StateWaiting:
		return 1
	case StateQueued:
		return 2
	case StatePaused:
		return 3
	default:
		return 4
	}
}

func sortTasks(tasks []*Task, order Order) {
	switch order {
	case OrderSize:
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].TotalBytes > tasks[j].TotalBytes })
	case OrderProgress:
		progress := func(t *Task) float64 {
			if t.TotalBytes == 0 {
				return 0
			}
			return float64(t.BytesDone) / float64(t.TotalBytes)
		}
		sort.Slice(tasks, func(i, j int) bool { return progress(tasks[i]) > progress(tasks[j]) })
	case OrderStateWeight:
		sort.Slice(tasks, func(i, j int) bool {
			wi, wj := stateWeight(tasks[i].State), stateWeight(tasks[j].State)
			if wi != wj {
				return wi < wj
			}
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	default: // OrderAddedDesc
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	}
}

// Page bounds a Query result. A zero-value Page returns everything
// that matched the filter.
type Page struct {
	Offset int
	Limit  int
}

// Query filters, orders, and pages the task set, returning the page
// plus the total count of tasks matching filter before paging (used by
// importers to drive "load more" against a stable total).
func (s *Store) Query(filter ListFilter, order Order, page Page) ([]*Task, int, error) {
	all, err := s.List()
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*Task, 0, len(all))
	for _, t := range all {
		if filter.matches(t) {
			matched = append(matched, t)
		}
	}
	sortTasks(matched, order)
	total := len(matched)

	if page.Offset > 0 {
		if page.Offset >= len(matched) {
			return []*Task{}, total, nil
		}
		matched = matched[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}
	return matched, total, nil
}

// Mutator is applied to a task inside a single transaction; returning
// an error aborts the update and leaves the stored record untouched.
type Mutator func(t *Task) error

// Update performs a read-modify-write of the task with the given ID
// inside one bbolt transaction, satisfying the "atomic mutation" part
// of the C1 contract. The version counter is bumped on every
// successful update.
func (s *Store) Update(id string, mutate Mutator) (*Task, error) {
	var result Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if err := mutate(&t); err != nil {
			return err
		}
		t.Version++
		t.UpdatedAt = time.Now()

		newData, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), newData); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes a task record and its content-key index entry.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if err := tb.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketByContent).Delete([]byte(t.ContentKey))
	})
}
