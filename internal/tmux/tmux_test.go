package tmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-session", "claude-session"},
		{"my session!", "my-session-"},
		{"a/b\\c", "a-b-c"},
		{"plain123", "plain123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "claude-session-1", SessionName("claude-session", 1))
	assert.Equal(t, "my-prefix-12", SessionName("my prefix", 12))
}

func TestClassifyHostErr(t *testing.T) {
	base := errors.New("exit status 1")

	err := classifyHostErr(base, []byte("can't find session: foo"), "send foo")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = classifyHostErr(base, []byte("no server running on /tmp/tmux-0/default"), "create x")
	assert.ErrorIs(t, err, ErrHostUnavailable)

	err = classifyHostErr(base, []byte("something else entirely"), "kill y")
	assert.False(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, errors.Is(err, ErrHostUnavailable))
}

func TestIsNoServer(t *testing.T) {
	assert.True(t, isNoServer([]byte("no server running on /private/tmp/tmux-501/default")))
	assert.True(t, isNoServer([]byte("error connecting to /tmp/tmux-0/default")))
	assert.False(t, isNoServer([]byte("session not found: claude-session-1")))
}

func TestSessionLockIsStablePerName(t *testing.T) {
	h := NewHost("")
	a := h.sessionLock("claude-session-1")
	b := h.sessionLock("claude-session-1")
	c := h.sessionLock("claude-session-2")

	assert.Same(t, a, b, "same name must share a lock")
	assert.NotSame(t, a, c, "distinct names must not share a lock")
}
