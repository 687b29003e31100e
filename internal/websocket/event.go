// Package websocket pushes run events, slot progress and log lines to browser clients
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seqget-project/seqget/internal/download"
	"github.com/seqget-project/seqget/internal/logger"
	"github.com/seqget-project/seqget/internal/monitor"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeConnected    EventType = "connected"
	EventTypeState        EventType = EventType(download.EventState)
	EventTypeSlotProgress EventType = EventType(download.EventSlotProgress)
	EventTypeSlotFinished EventType = EventType(download.EventSlotFinished)
	EventTypeWarning      EventType = EventType(download.EventWarning)
	EventTypeLog          EventType = "log"
	EventTypeResources    EventType = "resources"
)

// Event represents a WebSocket event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","data":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent(connections int) *Event {
	return NewEvent(EventTypeHeartbeat, map[string]int{"connections": connections})
}

// NewConnectedEvent is the first event a client receives
func NewConnectedEvent(clientID string) *Event {
	return NewEvent(EventTypeConnected, map[string]string{"clientId": clientID})
}

// FromDownloadEvent wraps an orchestrator event, keeping its original time
func FromDownloadEvent(ev download.Event) *Event {
	event := NewEvent(EventType(ev.Type), ev)
	if !ev.Time.IsZero() {
		event.Timestamp = ev.Time.UnixMilli()
	}
	return event
}

// NewLogEvent wraps a log stream entry
func NewLogEvent(entry logger.StreamLogEntry) *Event {
	event := NewEvent(EventTypeLog, entry)
	event.Timestamp = entry.Timestamp.UnixMilli()
	return event
}

// NewResourcesEvent wraps a resource sample
func NewResourcesEvent(res monitor.Resources) *Event {
	event := NewEvent(EventTypeResources, res)
	event.Timestamp = res.Timestamp.UnixMilli()
	return event
}
