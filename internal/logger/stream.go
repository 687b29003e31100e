package logger

import (
	"sync"
	"sync/atomic"
	"time"
)

// StreamLogEntry represents a single log entry for streaming
type StreamLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogStream keeps the most recent log entries and fans new ones out to subscribers
type LogStream struct {
	mu          sync.RWMutex
	entries     []StreamLogEntry
	maxSize     int
	subscribers map[chan StreamLogEntry]struct{}
	closed      bool
}

// NewLogStream creates a new log stream
func NewLogStream(maxSize int) *LogStream {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogStream{
		entries:     make([]StreamLogEntry, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan StreamLogEntry]struct{}),
	}
}

// Add adds a log entry to the stream
func (ls *LogStream) Add(entry StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	ls.entries = append(ls.entries, entry)
	if len(ls.entries) > ls.maxSize {
		ls.entries = ls.entries[len(ls.entries)-ls.maxSize:]
	}

	for ch := range ls.subscribers {
		select {
		case ch <- entry:
		default:
			// Channel is full, skip this subscriber
		}
	}
}

// Subscribe subscribes to log entries
func (ls *LogStream) Subscribe() chan StreamLogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan StreamLogEntry, 100)
	if ls.closed {
		close(ch)
		return ch
	}
	ls.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe unsubscribes from log entries
func (ls *LogStream) Unsubscribe(ch chan StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.subscribers[ch]; !ok {
		return
	}
	delete(ls.subscribers, ch)
	close(ch)
}

// GetEntries returns up to limit of the most recent entries, oldest first
func (ls *LogStream) GetEntries(limit int) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if limit <= 0 || limit > len(ls.entries) {
		limit = len(ls.entries)
	}

	result := make([]StreamLogEntry, limit)
	copy(result, ls.entries[len(ls.entries)-limit:])
	return result
}

// Close closes the log stream
func (ls *LogStream) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}
	ls.closed = true

	for ch := range ls.subscribers {
		close(ch)
	}
	ls.subscribers = make(map[chan StreamLogEntry]struct{})
}

var globalLogStream atomic.Pointer[LogStream]

func currentStream() *LogStream {
	return globalLogStream.Load()
}

// InitLogStream installs the global log stream if none exists yet
func InitLogStream(maxSize int) {
	globalLogStream.CompareAndSwap(nil, NewLogStream(maxSize))
}

// GetLogStream returns the global log stream
func GetLogStream() *LogStream {
	if s := currentStream(); s != nil {
		return s
	}
	InitLogStream(1000)
	return currentStream()
}
