// Package events implements the Event Bus (C6): a per-subscriber
// bounded stream of task lifecycle and progress events.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/flasharr/flasharr/internal/taskstore"
)

// Kind identifies an event's payload shape.
type Kind string

const (
	KindTaskUpdated   Kind = "task_updated"
	KindTaskStarted   Kind = "task_started"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"
	KindTaskPaused    Kind = "task_paused"
	KindTaskResumed   Kind = "task_resumed"
	KindTaskQueued    Kind = "task_queued"
	KindTaskRemoved   Kind = "task_removed"
	KindTaskWaiting   Kind = "task_waiting"
	KindAccountStatus Kind = "account_status"
	KindSyncAll       Kind = "sync_all"
	KindEngineStats   Kind = "engine_stats"
)

// lifecycleKinds are never dropped/coalesced under backpressure.
var lifecycleKinds = map[Kind]bool{
	KindTaskStarted:   true,
	KindTaskCompleted: true,
	KindTaskFailed:    true,
	KindTaskPaused:    true,
	KindTaskResumed:   true,
	KindTaskQueued:    true,
	KindTaskRemoved:   true,
	KindTaskWaiting:   true,
	KindAccountStatus: true,
	KindSyncAll:       true,
}

// IsLifecycle reports whether kind must never be coalesced or dropped.
func IsLifecycle(kind Kind) bool { return lifecycleKinds[kind] }

// TaskUpdated is a progress delta for an in-flight task.
type TaskUpdated struct {
	TaskID            string        `json:"task_id"`
	BytesDone         int64         `json:"bytes_done"`
	TotalBytes        int64         `json:"total_bytes"`
	SpeedBps          float64       `json:"speed_bytes_per_second"`
	Elapsed           time.Duration `json:"elapsed"`
	ActiveConnections int           `json:"active_connections"`
}

// TaskCompleted signals a task finished successfully.
type TaskCompleted struct {
	TaskID   string        `json:"task_id"`
	Filename string        `json:"filename"`
	Elapsed  time.Duration `json:"elapsed"`
	Total    int64         `json:"total"`
}

// TaskFailed signals a task moved to Failed or Cancelled.
type TaskFailed struct {
	TaskID    string `json:"task_id"`
	Filename  string `json:"filename"`
	ErrorKind string `json:"error_kind"`
	Err       error  `json:"-"`
}

func (m TaskFailed) MarshalJSON() ([]byte, error) {
	type encoded struct {
		TaskID    string `json:"task_id"`
		Filename  string `json:"filename,omitempty"`
		ErrorKind string `json:"error_kind,omitempty"`
		Err       string `json:"err,omitempty"`
	}
	out := encoded{TaskID: m.TaskID, Filename: m.Filename, ErrorKind: m.ErrorKind}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}
	return json.Marshal(out)
}

func (m *TaskFailed) UnmarshalJSON(data []byte) error {
	var aux struct {
		TaskID    string `json:"task_id"`
		Filename  string `json:"filename"`
		ErrorKind string `json:"error_kind"`
		Err       string `json:"err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.TaskID = aux.TaskID
	m.Filename = aux.Filename
	m.ErrorKind = aux.ErrorKind
	m.Err = nil
	if aux.Err != "" {
		m.Err = errors.New(aux.Err)
	}
	return nil
}

// TaskStarted, TaskPaused, TaskResumed, TaskQueued, TaskRemoved are
// simple lifecycle notices.
type TaskStarted struct {
	TaskID   string `json:"task_id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Total    int64  `json:"total"`
	DestPath string `json:"dest_path"`
}

type TaskPaused struct {
	TaskID     string `json:"task_id"`
	Filename   string `json:"filename"`
	BytesDone  int64  `json:"bytes_done"`
}

type TaskResumed struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

type TaskQueued struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

type TaskRemoved struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

// TaskWaiting signals a task escalated from Active into a backed-off
// retry cycle rather than failing outright.
type TaskWaiting struct {
	TaskID      string    `json:"task_id"`
	Filename    string    `json:"filename"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// AccountStatusChanged notifies that an account's quota/lease status
// changed (reset at midnight, disabled, etc).
type AccountStatusChanged struct {
	Email          string `json:"email"`
	RemainingBytes int64  `json:"remaining_bytes"`
	Disabled       bool   `json:"disabled"`
}

// SyncAll is delivered once to every new subscriber, before any delta,
// so it can build its initial view without missing updates that
// happened before it connected.
type SyncAll struct {
	Tasks []taskstore.Snapshot `json:"tasks"`
}

// EngineStats is a periodic snapshot of aggregate engine health,
// pushed only when it changes since the last push.
type EngineStats struct {
	TotalTasks    int            `json:"total_tasks"`
	ByState       map[string]int `json:"by_state"`
	ActiveTasks   int            `json:"active_tasks"`
	AccountsTotal int            `json:"accounts_total"`
}

// Event is the envelope every subscriber receives.
type Event struct {
	Kind    Kind        `json:"kind"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}
