// Package engine executes a single whitelisted script as a bounded,
// isolated subprocess. It owns no persistent state: Run is a function from
// (root, relpath, timeout) to a structured result and never lets a raw
// fault reach the caller.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MaxCaptureChars caps each captured stream. Bounds memory and the UI
// payload; the limit is part of the API contract.
const MaxCaptureChars = 4000

// waitDelay forces Wait to return shortly after the process dies even if a
// grandchild inherited the output pipes and keeps them open.
const waitDelay = 2 * time.Second

// FailureKind classifies why a run did not succeed.
type FailureKind int

const (
	FailureNone       FailureKind = iota // OK, or plain nonzero exit
	FailurePathEscape                    // relpath resolves outside the tools root
	FailureNotFound                      // resolved path is not a regular file
	FailureTimeout                       // wall-clock limit exceeded, process killed
	FailureCanceled                      // caller canceled, process killed
	FailureFault                         // spawn/IO failure
)

// Result is the structured outcome of a run. OK is true iff the script
// exited with status zero. Stdout and Stderr are UTF-8 cleaned and capped
// at MaxCaptureChars each.
type Result struct {
	OK     bool
	Stdout string
	Stderr string
	Kind   FailureKind
}

// Runner executes scripts under a fixed root with a fixed interpreter.
type Runner struct {
	root           string // absolute tools root
	interpreter    string // e.g. "python3"
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewRunner creates a Runner. root should be absolute; it is resolved here
// so the containment check compares canonical paths.
func NewRunner(root, interpreter string, defaultTimeout time.Duration, logger *zap.Logger) *Runner {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Runner{
		root:           abs,
		interpreter:    interpreter,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// DefaultTimeout returns the runner's configured wall-clock limit.
func (r *Runner) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}

// Run executes the script at relpath. Gates, in order: containment,
// regular-file existence, spawn, bounded await, capture. Each gate
// short-circuits — an escaping or missing path never spawns a process.
// Timeout or cancellation kills the whole process group before the result
// is returned, so no child survives the call.
func (r *Runner) Run(ctx context.Context, relpath string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	full, res := r.resolve(relpath)
	if res != nil {
		return *res
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, full)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		// Kill descendants too — the script may have spawned children.
		return killProcessGroup(cmd)
	}

	err := cmd.Run()

	if err != nil {
		switch {
		case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			r.logger.Warn("script timed out",
				zap.String("relpath", relpath),
				zap.Duration("timeout", timeout),
			)
			return Result{
				Kind:   FailureTimeout,
				Stderr: fmt.Sprintf("Error: script exceeded the %d second time limit.", int(timeout.Seconds())),
			}
		case ctx.Err() != nil:
			return Result{Kind: FailureCanceled, Stderr: "Error: execution canceled."}
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Spawn or IO fault (missing interpreter, EPERM, ...). Never
			// propagate a raw fault — convert to a diagnostic result.
			r.logger.Error("script execution fault",
				zap.String("relpath", relpath),
				zap.Error(err),
			)
			return Result{
				Kind:   FailureFault,
				Stdout: capture(stdout.Bytes()),
				Stderr: "unexpected execution error: " + err.Error(),
			}
		}
	}

	return Result{
		OK:     cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 0,
		Stdout: capture(stdout.Bytes()),
		Stderr: capture(stderr.Bytes()),
	}
}

// resolve canonicalizes root/relpath and enforces containment and existence.
// Returns the absolute script path, or a terminal result for the caller.
// The path-escape message never reveals the resolved absolute path.
func (r *Runner) resolve(relpath string) (string, *Result) {
	if filepath.IsAbs(filepath.FromSlash(relpath)) {
		return "", &Result{
			Kind:   FailurePathEscape,
			Stderr: "Error: attempted access outside the tools directory.",
		}
	}
	full := filepath.Join(r.root, filepath.FromSlash(relpath))
	abs, err := filepath.Abs(full)
	if err != nil || !contained(r.root, abs) {
		return "", &Result{
			Kind:   FailurePathEscape,
			Stderr: "Error: attempted access outside the tools directory.",
		}
	}

	// Re-check after resolving symlinks so a link inside the root can't
	// point execution outside it.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &Result{
			Kind:   FailureNotFound,
			Stderr: fmt.Sprintf("Error: file %s not found.", relpath),
		}
	}
	if !contained(r.root, resolved) {
		return "", &Result{
			Kind:   FailurePathEscape,
			Stderr: "Error: attempted access outside the tools directory.",
		}
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", &Result{
			Kind:   FailureNotFound,
			Stderr: fmt.Sprintf("Error: file %s not found.", relpath),
		}
	}
	return resolved, nil
}

// contained reports whether target sits strictly under root.
func contained(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// capture decodes bytes as text, dropping invalid UTF-8 sequences, and caps
// the result at MaxCaptureChars characters.
func capture(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	runes := []rune(s)
	if len(runes) <= MaxCaptureChars {
		return s
	}
	return string(runes[:MaxCaptureChars])
}
