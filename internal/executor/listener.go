package executor

import (
	"time"

	"fleet-plex/internal/model"
)

// Summary describes a finished execution.
type Summary struct {
	Cancelled bool
	Counts    map[model.ResultStatus]int
	Duration  time.Duration
}

// Listener receives execution events. Calls for one execution are made
// synchronously and never concurrently. OnProgress fires exactly once per
// host with its terminal result, OnComplete exactly once at the end.
type Listener interface {
	OnProgress(executionID, connectionID string, result model.CommandResult)
	OnComplete(executionID string, summary Summary)
}

// StartListener is optionally implemented by listeners that want to know
// when a host's attempt begins.
type StartListener interface {
	OnHostStart(executionID string, conn model.ServerConnection)
}

// Listeners fans events out to several listeners in order.
type Listeners []Listener

// OnProgress implements Listener
func (ls Listeners) OnProgress(executionID, connectionID string, result model.CommandResult) {
	for _, l := range ls {
		l.OnProgress(executionID, connectionID, result)
	}
}

// OnComplete implements Listener
func (ls Listeners) OnComplete(executionID string, summary Summary) {
	for _, l := range ls {
		l.OnComplete(executionID, summary)
	}
}

// OnHostStart implements StartListener
func (ls Listeners) OnHostStart(executionID string, conn model.ServerConnection) {
	for _, l := range ls {
		if sl, ok := l.(StartListener); ok {
			sl.OnHostStart(executionID, conn)
		}
	}
}

// ListenerFuncs adapts plain functions; nil fields are ignored.
type ListenerFuncs struct {
	HostStart func(executionID string, conn model.ServerConnection)
	Progress  func(executionID, connectionID string, result model.CommandResult)
	Complete  func(executionID string, summary Summary)
}

// OnHostStart implements StartListener
func (f ListenerFuncs) OnHostStart(executionID string, conn model.ServerConnection) {
	if f.HostStart != nil {
		f.HostStart(executionID, conn)
	}
}

// OnProgress implements Listener
func (f ListenerFuncs) OnProgress(executionID, connectionID string, result model.CommandResult) {
	if f.Progress != nil {
		f.Progress(executionID, connectionID, result)
	}
}

// OnComplete implements Listener
func (f ListenerFuncs) OnComplete(executionID string, summary Summary) {
	if f.Complete != nil {
		f.Complete(executionID, summary)
	}
}
