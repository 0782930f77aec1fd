package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vec-tools/toolhub/internal/authz"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(ttl, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestStart_PublishesRunningBeforeReturn(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1, Username: "alice"})

	_, _, err := s.Start("reports/daily.py")
	if err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if !snap.Running {
		t.Error("running must be published synchronously by Start")
	}
	if snap.SelectedRelpath != "reports/daily.py" {
		t.Errorf("selected relpath = %q", snap.SelectedRelpath)
	}
	if snap.Stdout != runningPlaceholder {
		t.Errorf("expected placeholder stdout, got %q", snap.Stdout)
	}
	if snap.Stderr != "" {
		t.Errorf("stderr must be cleared, got %q", snap.Stderr)
	}
	if !snap.ModalOpen {
		t.Error("result surface must open on start")
	}
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	if _, _, err := s.Start("a.py"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Start("b.py"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start while running must be rejected, got %v", err)
	}

	snap := s.Snapshot()
	if snap.SelectedRelpath != "a.py" {
		t.Errorf("busy rejection must not disturb the active run, got %q", snap.SelectedRelpath)
	}
}

func TestComplete_PublishesResultAtomically(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	_, gen, err := s.Start("a.py")
	if err != nil {
		t.Fatal(err)
	}
	s.Complete(gen, true, "done\n", "")

	snap := s.Snapshot()
	if snap.Running {
		t.Error("running must clear on completion")
	}
	if !snap.OK || snap.Stdout != "done\n" || snap.Stderr != "" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// Completed → can start again.
	if _, _, err := s.Start("b.py"); err != nil {
		t.Fatalf("start after completion should succeed: %v", err)
	}
}

func TestComplete_SynthesizesBlankFailureMessage(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	_, gen, _ := s.Start("a.py")
	s.Complete(gen, false, "partial output", "")

	snap := s.Snapshot()
	if snap.Stderr != blankFailureMessage {
		t.Errorf("blank failure must be synthesized, got %q", snap.Stderr)
	}
	if snap.Stdout != "partial output" {
		t.Errorf("stdout must be preserved, got %q", snap.Stdout)
	}
}

func TestComplete_EngineStderrIsNotOverwritten(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	_, gen, _ := s.Start("a.py")
	s.Complete(gen, false, "", "Error: real failure")

	if snap := s.Snapshot(); snap.Stderr != "Error: real failure" {
		t.Errorf("explicit stderr must pass through, got %q", snap.Stderr)
	}
}

func TestClose_CancelsRunAndDiscardsCompletion(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	runCtx, gen, err := s.Start("a.py")
	if err != nil {
		t.Fatal(err)
	}

	s.Close()

	select {
	case <-runCtx.Done():
	default:
		t.Fatal("close must cancel the in-flight run context")
	}

	// The late completion from the canceled run is discarded.
	s.Complete(gen, true, "ghost output", "")

	snap := s.Snapshot()
	if snap.Running || snap.ModalOpen {
		t.Error("close must return to idle")
	}
	if snap.Stdout != "" || snap.Stderr != "" || snap.SelectedRelpath != "" {
		t.Errorf("transient fields must be cleared, got %+v", snap)
	}
}

func TestClose_FromIdleIsLegal(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})
	s.Close()
	s.Close()

	if snap := s.Snapshot(); snap.Running || snap.ModalOpen {
		t.Errorf("idle close should be a no-op, got %+v", snap)
	}
}

func TestStaleCompletionDoesNotClobberNewRun(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	_, oldGen, _ := s.Start("old.py")
	s.Close()

	_, _, err := s.Start("new.py")
	if err != nil {
		t.Fatal(err)
	}

	s.Complete(oldGen, true, "old result", "")

	snap := s.Snapshot()
	if !snap.Running {
		t.Error("stale completion must not end the new run")
	}
	if snap.SelectedRelpath != "new.py" || snap.Stdout != runningPlaceholder {
		t.Errorf("new run state clobbered: %+v", snap)
	}
}

func TestSnapshot_NeverTorn(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, gen, err := s.Start("a.py"); err == nil {
				s.Complete(gen, true, "out", "")
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := s.Snapshot()
		// Running implies placeholder output and no stderr; completed
		// implies the run's final output. Anything else is a torn read.
		if snap.Running && (snap.Stdout != runningPlaceholder || snap.Stderr != "") {
			t.Fatalf("torn snapshot while running: %+v", snap)
		}
		if !snap.Running && snap.Stdout != "out" && snap.Stdout != "" {
			t.Fatalf("torn snapshot after completion: %+v", snap)
		}
	}
	close(stop)
	wg.Wait()
}

func TestManager_CreateLookupDestroy(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create(authz.Identity{UserID: 42, Username: "carol"})

	got, ok := m.Lookup(s.Token)
	if !ok || got.Identity.UserID != 42 {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}

	if _, ok := m.Lookup("unknown-token"); ok {
		t.Error("unknown token must not resolve")
	}

	m.Destroy(s.Token)
	if _, ok := m.Lookup(s.Token); ok {
		t.Error("destroyed session must not resolve")
	}
}

func TestManager_ExpiredSessionIsGone(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)
	s := m.Create(authz.Identity{UserID: 1})

	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Lookup(s.Token); ok {
		t.Error("expired session must not resolve")
	}
}

func TestManager_DestroyForUser(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s1 := m.Create(authz.Identity{UserID: 1})
	s2 := m.Create(authz.Identity{UserID: 1})
	other := m.Create(authz.Identity{UserID: 2})

	m.DestroyForUser(1)

	if _, ok := m.Lookup(s1.Token); ok {
		t.Error("user 1 session 1 should be gone")
	}
	if _, ok := m.Lookup(s2.Token); ok {
		t.Error("user 1 session 2 should be gone")
	}
	if _, ok := m.Lookup(other.Token); !ok {
		t.Error("other user's session must survive")
	}
}
