// Package taskstore implements the durable record of every download
// task Flasharr knows about, backed by a single bbolt database file.
package taskstore

import "time"

// State is a task's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateExtracting State = "extracting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// AllStates enumerates every lifecycle state, in the order the
// metrics gauge reports them.
var AllStates = []State{
	StateQueued, StateWaiting, StateActive, StatePaused,
	StateExtracting, StateCompleted, StateFailed, StateCancelled,
}

// Priority is the admission priority an operator assigned at creation.
// Immutable after creation (see the pinned Open Question decision).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Segment records the resumable byte range state of one parallel
// worker's slice of a task.
type Segment struct {
	Offset        int64 `json:"offset"`
	Length        int64 `json:"length"`
	BytesFetched  int64 `json:"bytes_fetched"`
}

// Task is the durable record for one download.
type Task struct {
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	Filename       string                     `json:"filename"`
	DestPath       string                     `json:"dest_path"`
	TotalBytes     int64                      `json:"total_bytes"`
	BytesDone      int64                      `json:"bytes_done"`
	State          State                      `json:"state"`
	Priority       Priority                   `json:"priority"`
	ErrorKind      string                     `json:"error_kind,omitempty"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	RetryCount     int                        `json:"retry_count"`
	NextRetryAt    time.Time                  `json:"next_retry_at,omitempty"`
	AccountEmail   string                     `json:"account_email,omitempty"`
	LeaseID        string                     `json:"lease_id,omitempty"`
	Segments       []Segment                  `json:"segments,omitempty"`
	Category       string                     `json:"category,omitempty"`
	SourceMetadata map[string]interface{}     `json:"source_metadata,omitempty"`
	ContentKey     string                     `json:"content_key"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	CompletedAt    time.Time                  `json:"completed_at,omitempty"`
	Version        int                        `json:"version"`
}

// Snapshot is the read-only wire shape returned to API/event consumers.
type Snapshot struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	DestPath    string    `json:"dest_path"`
	TotalBytes  int64     `json:"total_bytes"`
	BytesDone   int64     `json:"bytes_done"`
	Progress    float64   `json:"progress"`
	SpeedBps    float64   `json:"speed_bytes_per_second"`
	State       State     `json:"state"`
	Priority    Priority  `json:"priority"`
	Category    string    `json:"category,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ETASeconds  float64   `json:"eta_seconds,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// ToSnapshot renders the durable record as the wire-facing snapshot.
// speedBps is supplied by the caller (the in-memory transfer actor owns
// the live speed figure; it is not itself durable).
func (t *Task) ToSnapshot(speedBps float64) Snapshot {
	var progress float64
	if t.TotalBytes > 0 {
		progress = float64(t.BytesDone) / float64(t.TotalBytes)
	}
	var eta float64
	if speedBps > 0 && t.TotalBytes > t.BytesDone {
		eta = float64(t.TotalBytes-t.BytesDone) / speedBps
	}
	return Snapshot{
		ID:         t.ID,
		URL:        t.URL,
		Filename:   t.Filename,
		DestPath:   t.DestPath,
		TotalBytes: t.TotalBytes,
		BytesDone:  t.BytesDone,
		Progress:   progress,
		SpeedBps:   speedBps,
		State:      t.State,
		Priority:   t.Priority,
		Category:   t.Category,
		ErrorKind:  t.ErrorKind,
		ETASeconds: eta,
		AddedAt:    t.CreatedAt,
	}
}
