package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vec-tools/toolhub/internal/authz"
	"github.com/vec-tools/toolhub/internal/catalog"
	"github.com/vec-tools/toolhub/internal/engine"
	"github.com/vec-tools/toolhub/internal/session"
	"github.com/vec-tools/toolhub/internal/storage"
	"go.uber.org/zap"
)

// maxRunTimeout caps per-request timeout overrides.
const maxRunTimeout = 10 * time.Minute

func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	tools := d.Scanner.Discover()

	// Every discovered script gets a permission row so admins can grant it.
	// Sync failure must not break the listing.
	if _, err := d.Directory.SyncPermissions(r.Context(), catalog.Relpaths(tools)); err != nil {
		d.Logger.Warn("permission sync failed", zap.Error(err))
	}

	if !sess.Identity.IsAdmin {
		granted, err := d.Directory.ListGrantedRelpaths(r.Context(), sess.Identity.UserID)
		if err != nil {
			d.Logger.Error("grant lookup failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Permission directory unavailable"})
			return
		}
		visible := tools[:0]
		for _, t := range tools {
			if _, ok := granted[t.Relpath]; ok {
				visible = append(visible, t)
			}
		}
		tools = visible
	}

	writeJSON(w, http.StatusOK, ToolListResp{
		Groups: catalog.GroupTools(tools),
		Total:  len(tools),
	})
}

func (d *Dependencies) handleRun(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	var req RunReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Relpath == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "relpath is required"})
		return
	}

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = d.Runner.DefaultTimeout()
	}
	if timeout > maxRunTimeout {
		timeout = maxRunTimeout
	}

	// The gate is consulted on every run attempt. The filtered tool listing
	// is cosmetic; this check is the enforcement point.
	if err := d.Authorizer.Authorize(r.Context(), sess.Identity, req.Relpath); err != nil {
		d.auditDenied(sess.Identity, req.Relpath)
		if errors.Is(err, authz.ErrDirectoryUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Permission directory unavailable"})
			return
		}
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "You are not authorized to run this script"})
		return
	}

	runCtx, gen, err := sess.Start(req.Relpath)
	if err != nil {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "An execution is already in progress"})
		return
	}

	go d.execute(runCtx, sess, gen, req.Relpath, timeout)

	writeJSON(w, http.StatusAccepted, snapshotToResp(sess.Snapshot()))
}

// execute runs the script and publishes the result into the session. The
// audit event is written whether or not the session still wants the result.
func (d *Dependencies) execute(ctx context.Context, sess *session.Session, gen int64, relpath string, timeout time.Duration) {
	start := time.Now()
	res := d.Runner.Run(ctx, relpath, timeout)
	duration := time.Since(start)

	sess.Complete(gen, res.OK, res.Stdout, res.Stderr)

	d.Writer.Write(&storage.ExecutionEvent{
		RequestID:   uuid.NewString(),
		UserID:      sess.Identity.UserID,
		Username:    sess.Identity.Username,
		Relpath:     relpath,
		OK:          res.OK,
		TimedOut:    res.Kind == engine.FailureTimeout,
		DurationMs:  float32(duration.Milliseconds()),
		StdoutBytes: uint32(len(res.Stdout)),
		StderrBytes: uint32(len(res.Stderr)),
		Timestamp:   start.UTC(),
	})
}

// auditDenied records a refused run attempt.
func (d *Dependencies) auditDenied(caller authz.Identity, relpath string) {
	d.Writer.Write(&storage.ExecutionEvent{
		RequestID: uuid.NewString(),
		UserID:    caller.UserID,
		Username:  caller.Username,
		Relpath:   relpath,
		Denied:    true,
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dependencies) handleRunState(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, snapshotToResp(sess.Snapshot()))
}

func (d *Dependencies) handleRunClose(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	sess.Close()
	writeJSON(w, http.StatusOK, snapshotToResp(sess.Snapshot()))
}

func snapshotToResp(s session.Snapshot) RunStateResp {
	return RunStateResp{
		Running:         s.Running,
		SelectedRelpath: s.SelectedRelpath,
		Stdout:          s.Stdout,
		Stderr:          s.Stderr,
		OK:              s.OK,
		ModalOpen:       s.ModalOpen,
	}
}
