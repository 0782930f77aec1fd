// Package session coordinates UI-visible execution state for authenticated
// callers. Each session serializes one script run at a time and publishes
// state transitions atomically, so a concurrent reader never observes a
// half-updated result.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vec-tools/toolhub/internal/authz"
)

// ErrBusy is returned by Start while a run is already in flight.
var ErrBusy = errors.New("an execution is already in progress")

// runningPlaceholder is shown while the subprocess is executing.
const runningPlaceholder = "Running script..."

// blankFailureMessage is synthesized when a failed run produced no stderr,
// so the user is never shown a blank error.
const blankFailureMessage = "The script failed without an explicit error (see stdout)."

// Snapshot is a consistent copy of a session's execution state.
type Snapshot struct {
	Running         bool
	SelectedRelpath string
	Stdout          string
	Stderr          string
	OK              bool
	ModalOpen       bool
}

// Session holds one caller's execution state. It moves through
// Idle → Running → Completed and back to Idle on Close. Exactly one run may
// be in flight; Start rejects a second with ErrBusy.
type Session struct {
	Token    string
	Identity authz.Identity

	mu              sync.Mutex
	running         bool
	selectedRelpath string
	stdout          string
	stderr          string
	ok              bool
	modalOpen       bool

	generation int64              // invalidates stale completions
	cancelRun  context.CancelFunc // non-nil while a run is in flight
	expiresAt  time.Time
}

// Start transitions Idle → Running. The Running state (placeholder output,
// opened modal, cleared previous result) is published before this returns —
// and therefore before the subprocess is spawned, so an immediate state poll
// never sees a stale completed result. The returned context governs the run;
// Close cancels it. The generation ticket must be passed to Complete.
func (s *Session) Start(relpath string) (context.Context, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, 0, ErrBusy
	}

	s.generation++
	s.running = true
	s.selectedRelpath = relpath
	s.stdout = runningPlaceholder
	s.stderr = ""
	s.ok = false
	s.modalOpen = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	return ctx, s.generation, nil
}

// Complete publishes the final result for the run identified by gen. The
// whole transition happens under the session lock. A completion arriving
// after Close (or for a superseded run) is discarded.
func (s *Session) Complete(gen int64, ok bool, stdout, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || !s.running {
		return // run was closed or superseded; discard
	}

	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}

	s.running = false
	s.ok = ok
	s.stdout = stdout
	s.stderr = stderr
	if !ok && stderr == "" {
		s.stderr = blankFailureMessage
	}
}

// Close resets all transient fields and returns to Idle. Legal from any
// state. An in-flight run is canceled — the engine kills its process group —
// and its eventual Complete is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.generation++
	s.running = false
	s.selectedRelpath = ""
	s.stdout = ""
	s.stderr = ""
	s.ok = false
	s.modalOpen = false
}

// Snapshot returns a consistent copy of the session state for polling.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:         s.running,
		SelectedRelpath: s.selectedRelpath,
		Stdout:          s.stdout,
		Stderr:          s.stderr,
		OK:              s.ok,
		ModalOpen:       s.modalOpen,
	}
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}
