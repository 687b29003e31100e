// Package storage provides persistence of download run history with multiple backend support
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `yaml:"type" json:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `yaml:"path" json:"path"`                 // Database file path
	Pragmas   map[string]string `yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `yaml:"enable_wal" json:"enableWAL"`      // Enable WAL mode
}

// Run is one execution of an address sequence
type Run struct {
	ID             string     `json:"id"`
	Template       string     `json:"template"`
	TargetPath     string     `json:"targetPath"`
	MaxConcurrency int        `json:"maxConcurrency"`
	State          string     `json:"state"` // working while running, final process state afterwards
	Started        int64      `json:"started"`
	Done           int64      `json:"done"`
	Failed         int64      `json:"failed"`
	Empty          int64      `json:"empty"`
	Cancelled      int64      `json:"cancelled"`
	Bytes          int64      `json:"bytes"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// ItemRecord is the outcome of one finished item of a run
type ItemRecord struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"runId"`
	ItemID     int64         `json:"itemId"`
	URL        string        `json:"url"`
	LocalPath  string        `json:"localPath"`
	State      string        `json:"state"` // done, cancelled, error, empty
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Store defines the storage interface
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	DeleteRun(ctx context.Context, id string) error

	// Item operations
	RecordItem(ctx context.Context, item *ItemRecord) error
	ListItems(ctx context.Context, runID string, limit, offset int) ([]*ItemRecord, error)

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrRunNotFound         = &StorageError{Code: "NOT_FOUND", Message: "Run not found"}
	ErrRunExists           = &StorageError{Code: "CONFLICT", Message: "Run already exists"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func generateID() string {
	return uuid.NewString()
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func page(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
