// Package tmux wraps the external tmux process host behind the Host
// interface: named-session create/attach, keystroke injection, pane capture,
// termination, and live-session enumeration. Nothing else is assumed of the
// host; the session registry owns all session identity and lifecycle state.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tatsuya-oka/claude-bridge/internal/logging"
)

var hostLog = logging.ForComponent(logging.CompHost)

// Sentinel errors for host operations.
var (
	// ErrHostUnavailable means the tmux binary or server itself is
	// unreachable. Fatal to the whole bridge, not to one session.
	ErrHostUnavailable = errors.New("process host unavailable")

	// ErrSessionNotFound means the named session has no live process.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSendFailed means keystroke injection failed for a live session.
	ErrSendFailed = errors.New("send failed")

	// ErrCaptureTimeout is returned when a capture exceeds its timeout.
	// Callers should keep their previous snapshot rather than treating
	// the session as dead.
	ErrCaptureTimeout = errors.New("capture timed out")
)

const (
	captureTimeout = 3 * time.Second
	// enterDelay is the gap between injecting text and the Enter key.
	// Sending both in one call makes the CLI occasionally swallow the
	// newline while still rendering the text.
	enterDelay = 200 * time.Millisecond
)

// Host is the process-host boundary used by the registry, router, relay
// and view. Calls are synchronous; calls against distinct names are safe
// to run concurrently, calls against the same name are serialized
// internally so keystrokes never interleave.
type Host interface {
	Create(ctx context.Context, name string) error
	Send(ctx context.Context, name, text string) error
	Capture(ctx context.Context, name string) (string, error)
	Kill(ctx context.Context, name string) error
	ListLive(ctx context.Context) (map[string]struct{}, error)
}

// TmuxHost implements Host by shelling out to the tmux binary.
type TmuxHost struct {
	// launchCommand is run inside every newly created session ("claude").
	launchCommand string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	captureSf singleflight.Group
}

// NewHost creates a TmuxHost. launchCommand is started inside each new
// session; empty leaves the session at a bare shell.
func NewHost(launchCommand string) *TmuxHost {
	return &TmuxHost{
		launchCommand: launchCommand,
		locks:         make(map[string]*sync.Mutex),
	}
}

// IsAvailable checks that tmux is installed and executable.
func IsAvailable() error {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: tmux -V: %v (output: %s)", ErrHostUnavailable, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sessionLock returns the per-name mutex, creating it on first use.
// Entries are never removed; the set of session names is small and stable.
func (h *TmuxHost) sessionLock(name string) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	mu, ok := h.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		h.locks[name] = mu
	}
	return mu
}

// Create starts a detached session running the launch command. Creating a
// name that already has a live process is success (idempotent attach), so
// a bridge restart re-binds to surviving sessions instead of failing.
func (h *TmuxHost) Create(ctx context.Context, name string) error {
	mu := h.sessionLock(name)
	mu.Lock()
	defer mu.Unlock()

	if h.exists(ctx, name) {
		hostLog.Debug("create_attach_existing", slog.String("session", name))
		return nil
	}

	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyHostErr(err, out, fmt.Sprintf("create session %s", name))
	}

	// Large scrollback keeps the relay's suffix diff stable when the CLI
	// emits long outputs between polls.
	_ = exec.CommandContext(ctx, "tmux",
		"set-option", "-t", name, "history-limit", "10000", ";",
		"set-option", "-t", name, "status", "off").Run()

	if h.launchCommand != "" {
		if err := h.sendLocked(ctx, name, h.launchCommand); err != nil {
			return err
		}
	}

	hostLog.Info("session_created", slog.String("session", name))
	return nil
}

// Send injects text followed by Enter into the session.
func (h *TmuxHost) Send(ctx context.Context, name, text string) error {
	mu := h.sessionLock(name)
	mu.Lock()
	defer mu.Unlock()

	if !h.exists(ctx, name) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return h.sendLocked(ctx, name, text)
}

// sendLocked performs the two-step text + Enter injection.
// MUST be called with the session lock held.
func (h *TmuxHost) sendLocked(ctx context.Context, name, text string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "-l", text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %v (output: %s)", ErrSendFailed, name, err, strings.TrimSpace(string(out)))
	}

	select {
	case <-time.After(enterDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	cmd = exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "C-m")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: enter: %v (output: %s)", ErrSendFailed, name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Capture returns the current pane contents. Concurrent captures of the
// same session are deduplicated via singleflight; capture is read-only so
// it does not take the keystroke serialization lock.
func (h *TmuxHost) Capture(ctx context.Context, name string) (string, error) {
	v, err, _ := h.captureSf.Do(name, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		defer cancel()

		// -p prints to stdout, -J joins wrapped lines so hashes and
		// suffix diffs don't change when the pane is resized.
		cmd := exec.CommandContext(cctx, "tmux", "capture-pane", "-t", name, "-p", "-J")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			if cctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			return "", classifyHostErr(err, stderr.Bytes(), fmt.Sprintf("capture %s", name))
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Kill terminates the session. Killing a session that is already gone
// returns ErrSessionNotFound.
func (h *TmuxHost) Kill(ctx context.Context, name string) error {
	mu := h.sessionLock(name)
	mu.Lock()
	defer mu.Unlock()

	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyHostErr(err, out, fmt.Sprintf("kill %s", name))
	}
	hostLog.Info("session_killed", slog.String("session", name))
	return nil
}

// ListLive enumerates live session names. A host with no running server
// simply has no sessions.
func (h *TmuxHost) ListLive(ctx context.Context) (map[string]struct{}, error) {
	cmd := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if isNoServer(stderr.Bytes()) {
			return map[string]struct{}{}, nil
		}
		return nil, classifyHostErr(err, stderr.Bytes(), "list sessions")
	}

	live := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			live[line] = struct{}{}
		}
	}
	return live, nil
}

// exists checks for a live session without classifying the failure.
func (h *TmuxHost) exists(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}

// isNoServer reports whether tmux stderr indicates no server is running,
// which for enumeration purposes means "zero sessions", not a host fault.
func isNoServer(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "no server running") || strings.Contains(s, "error connecting")
}

// classifyHostErr maps tmux subprocess failures onto the error taxonomy.
func classifyHostErr(err error, output []byte, op string) error {
	s := strings.ToLower(string(output))
	switch {
	case strings.Contains(s, "session not found") || strings.Contains(s, "can't find session"):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, op)
	case isNoServer(output):
		return fmt.Errorf("%w: %s: %v", ErrHostUnavailable, op, err)
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: tmux binary missing", ErrHostUnavailable)
	default:
		return fmt.Errorf("%s: %v (output: %s)", op, err, strings.TrimSpace(string(output)))
	}
}

var nameRe = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// SanitizeName converts an arbitrary string into a valid tmux session name.
func SanitizeName(name string) string {
	return nameRe.ReplaceAllString(name, "-")
}

// SessionName builds the deterministic session name for an ordinal.
func SessionName(prefix string, ordinal int) string {
	return fmt.Sprintf("%s-%d", SanitizeName(prefix), ordinal)
}
