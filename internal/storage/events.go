package storage

import "time"

// EventWriter is the interface for recording execution audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ExecutionEvent)
	Close()
}

// ExecutionEvent is one audited run attempt — allowed or denied, finished or
// timed out. Output bodies are not persisted, only their sizes; the actual
// stdout/stderr stay in the caller's session.
type ExecutionEvent struct {
	RequestID   string
	UserID      int64
	Username    string
	Relpath     string
	OK          bool
	Denied      bool
	TimedOut    bool
	DurationMs  float32
	StdoutBytes uint32
	StderrBytes uint32
	Timestamp   time.Time
}
