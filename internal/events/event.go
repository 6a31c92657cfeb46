// Package events turns dispatcher callbacks into serialized events for
// websocket clients and Redis subscribers.
package events

import (
	"encoding/json"
	"time"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/model"
)

// EventType names what happened.
type EventType string

const (
	EventHostStart EventType = "host_start"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
)

// Summary is the wire form of executor.Summary.
type Summary struct {
	Cancelled  bool                       `json:"cancelled"`
	Counts     map[model.ResultStatus]int `json:"counts"`
	DurationMS int64                      `json:"durationMs"`
}

// Event is one execution event.
type Event struct {
	Type         EventType            `json:"type"`
	ExecutionID  string               `json:"executionId"`
	ConnectionID string               `json:"connectionId,omitempty"`
	Result       *model.CommandResult `json:"result,omitempty"`
	Summary      *Summary             `json:"summary,omitempty"`
	Time         time.Time            `json:"time"`
}

func hostStartEvent(executionID string, conn model.ServerConnection) Event {
	now := time.Now()
	r := model.PendingResult(conn)
	r.Status = model.ResultRunning
	r.StartedAt = &now
	return Event{Type: EventHostStart, ExecutionID: executionID, ConnectionID: conn.ID, Result: &r, Time: now}
}

func progressEvent(executionID, connectionID string, result model.CommandResult) Event {
	return Event{Type: EventProgress, ExecutionID: executionID, ConnectionID: connectionID, Result: &result, Time: time.Now()}
}

func completeEvent(executionID string, s executor.Summary) Event {
	return Event{
		Type:        EventComplete,
		ExecutionID: executionID,
		Summary: &Summary{
			Cancelled:  s.Cancelled,
			Counts:     s.Counts,
			DurationMS: s.Duration.Milliseconds(),
		},
		Time: time.Now(),
	}
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an encoded event.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
