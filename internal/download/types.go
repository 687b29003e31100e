// Package download runs numbered download sequences with a bounded pool of reusable slots.
// It handles concurrency limits, pause/resume, graceful and immediate cancellation, and
// per-slot progress tracking.
package download

import (
	"errors"
	"time"

	"github.com/seqget-project/seqget/internal/state"
	"github.com/seqget-project/seqget/internal/storage"
)

// SlotState represents the current state of a download slot
type SlotState int32

const (
	SlotInitiated SlotState = iota
	SlotBlocked
	SlotWorking
	SlotDone
	SlotCancelled
	SlotError
	SlotEmpty
)

func (s SlotState) String() string {
	switch s {
	case SlotInitiated:
		return "initiated"
	case SlotBlocked:
		return "blocked"
	case SlotWorking:
		return "working"
	case SlotDone:
		return "done"
	case SlotCancelled:
		return "cancelled"
	case SlotError:
		return "error"
	case SlotEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Available reports whether a slot in this state can take new work
func (s SlotState) Available() bool {
	switch s {
	case SlotInitiated, SlotDone, SlotCancelled, SlotError, SlotEmpty:
		return true
	default:
		return false
	}
}

// Finished reports whether the state ends a transfer
func (s SlotState) Finished() bool {
	return s == SlotDone || s == SlotCancelled || s == SlotError || s == SlotEmpty
}

var (
	ErrInvalidState    = errors.New("download: invalid state")
	ErrSlotUnavailable = errors.New("download: slot unavailable")
	ErrInvalidArgument = errors.New("download: invalid argument")
	ErrInvalidSequence = errors.New("download: invalid address sequence")
	ErrAlreadyRunning  = errors.New("download: already running")
)

// Options configures an Orchestrator
type Options struct {
	// PollInterval bounds every wait of the production loop
	PollInterval time.Duration

	// DisableRecycling evicts every finished slot instead of reusing it
	DisableRecycling bool

	// RecycleFailed keeps cancelled and failed slots in the pool for reuse
	RecycleFailed bool

	// RequestsPerSecond paces item starts, 0 = unlimited
	RequestsPerSecond float64

	// Store records runs and finished items, optional
	Store storage.Store
}

// EventType identifies an orchestrator event
type EventType string

const (
	EventState        EventType = "state"
	EventSlotProgress EventType = "slot_progress"
	EventSlotFinished EventType = "slot_finished"
	EventWarning      EventType = "warning"
)

// Event is published to listeners for state changes, slot updates and warnings
type Event struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"runId,omitempty"`
	Time      time.Time     `json:"time"`
	State     string        `json:"state,omitempty"`
	PrevState string        `json:"prevState,omitempty"`
	Slot      *SlotSnapshot `json:"slot,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Listener receives orchestrator events on the broadcaster goroutine
type Listener func(event Event)

// SlotSnapshot is a consistent copy of a slot's fields
type SlotSnapshot struct {
	Key           int       `json:"key"`
	ItemID        int64     `json:"itemId"`
	URL           string    `json:"url"`
	LocalPath     string    `json:"localPath"`
	State         SlotState `json:"-"`
	StateName     string    `json:"state"`
	BytesReceived int64     `json:"bytesReceived"`
	TotalBytes    int64     `json:"totalBytes"`
	Progress      int       `json:"progress"`
	CurrentRate   float64   `json:"currentRate"`  // KiB/s over the latest interval
	AverageRate   float64   `json:"averageRate"`  // KiB/s since the first byte
	SmoothedRate  float64   `json:"smoothedRate"` // KiB/s, moving average of interval rates
	StartedAt     time.Time `json:"startedAt"`
	LastEventAt   time.Time `json:"lastEventAt"`
	ContentLength int64     `json:"contentLength"`
	ContentType   string    `json:"contentType,omitempty"`
	LastModified  time.Time `json:"lastModified,omitempty"`
	Server        string    `json:"server,omitempty"`
	Cancelled     bool      `json:"cancelled"`
	Error         string    `json:"error,omitempty"`
}

// Status summarizes an orchestrator run
type Status struct {
	RunID          string      `json:"runId"`
	State          state.State `json:"-"`
	StateName      string      `json:"state"`
	Template       string      `json:"template"`
	CurrentURL     string      `json:"currentUrl"`
	TargetPath     string      `json:"targetPath"`
	MaxConcurrency int         `json:"maxConcurrency"`
	Working        int         `json:"working"`
	PoolSize       int         `json:"poolSize"`
	Started        int64       `json:"started"`
	Done           int64       `json:"done"`
	Failed         int64       `json:"failed"`
	Empty          int64       `json:"empty"`
	Cancelled      int64       `json:"cancelled"`
	BytesReceived  int64       `json:"bytesReceived"`
	Exhausted      bool        `json:"exhausted"`
	StartedAt      time.Time   `json:"startedAt"`
	DroppedEvents  int64       `json:"droppedEvents,omitempty"`
}
