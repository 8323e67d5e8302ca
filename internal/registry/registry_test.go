package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatsuya-oka/claude-bridge/internal/statedb"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

// fakeHost records host calls and lets tests inject failures.
type fakeHost struct {
	mu        sync.Mutex
	live      map[string]struct{}
	createErr error
	sent      map[string][]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		live: make(map[string]struct{}),
		sent: make(map[string][]string),
	}
}

func (f *fakeHost) Create(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.live[name] = struct{}{}
	return nil
}

func (f *fakeHost) Send(_ context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[name]; !ok {
		return fmt.Errorf("%w: %s", tmux.ErrSessionNotFound, name)
	}
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeHost) Capture(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[name]; !ok {
		return "", fmt.Errorf("%w: %s", tmux.ErrSessionNotFound, name)
	}
	return "", nil
}

func (f *fakeHost) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[name]; !ok {
		return fmt.Errorf("%w: %s", tmux.ErrSessionNotFound, name)
	}
	delete(f.live, name)
	return nil
}

func (f *fakeHost) ListLive(_ context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.live))
	for k := range f.live {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeHost) killExternally(name string) {
	f.mu.Lock()
	delete(f.live, name)
	f.mu.Unlock()
}

func newTestRegistry(t *testing.T, host tmux.Host, max int) *Registry {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	r, err := New(context.Background(), host, db, "claude-session", max)
	require.NoError(t, err)
	return r
}

func TestRegisterAllocatesDeterministicNames(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(t, host, 0)

	s1, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	s2, err := r.Register(context.Background(), "c2")
	require.NoError(t, err)

	assert.Equal(t, "claude-session-1", s1.SessionName)
	assert.Equal(t, "claude-session-2", s2.SessionName)
	assert.Equal(t, StateActive, s1.State)

	_, ok := host.live["claude-session-1"]
	assert.True(t, ok, "host session must exist after register")
}

func TestRegisterDuplicateChannel(t *testing.T) {
	r := newTestRegistry(t, newFakeHost(), 0)

	_, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	_, err = r.Register(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestSetupCapacity(t *testing.T) {
	r := newTestRegistry(t, newFakeHost(), 0)

	for i := 1; i <= SetupCapacity; i++ {
		_, err := r.Register(context.Background(), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	_, err := r.Register(context.Background(), "c4")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Lifted after setup
	r.FinishSetup()
	_, err = r.Register(context.Background(), "c4")
	assert.NoError(t, err)
}

func TestPostSetupConfigurableCap(t *testing.T) {
	r := newTestRegistry(t, newFakeHost(), 4)
	r.FinishSetup()

	for i := 1; i <= 4; i++ {
		_, err := r.Register(context.Background(), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	_, err := r.Register(context.Background(), "c5")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRegisterHostFailureRollsBack(t *testing.T) {
	host := newFakeHost()
	host.createErr = errors.New("boom")
	r := newTestRegistry(t, host, 0)

	_, err := r.Register(context.Background(), "c1")
	require.Error(t, err)

	_, err = r.Lookup("c1")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, r.List())

	// A later register must succeed and not reuse broken state
	host.createErr = nil
	s, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
}

func TestRemoveThenLookup(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(t, host, 0)

	_, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, r.Remove(context.Background(), "c1"))

	_, err = r.Lookup("c1")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, host.live)

	assert.ErrorIs(t, r.Remove(context.Background(), "c1"), ErrNotRegistered)
}

func TestRemoveToleratesExternallyKilledSession(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(t, host, 0)

	s, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	host.killExternally(s.SessionName)

	assert.NoError(t, r.Remove(context.Background(), "c1"))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, newFakeHost(), 0)
	r.FinishSetup()

	for i := 1; i <= 8; i++ {
		_, err := r.Register(context.Background(), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 8)
	for i, s := range list {
		assert.Equal(t, fmt.Sprintf("c%d", i+1), s.ChannelID)
	}
}

func TestStateTransitionsPersist(t *testing.T) {
	host := newFakeHost()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	r, err := New(context.Background(), host, db, "claude-session", 0)
	require.NoError(t, err)

	_, err = r.Register(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, r.MarkDead("c1"))

	s, err := r.Lookup("c1")
	require.NoError(t, err)
	assert.Equal(t, StateDead, s.State)

	rows, err := db.LoadChannels()
	require.NoError(t, err)
	assert.Equal(t, "dead", rows[0].State)
}

func TestReloadRederivesLiveness(t *testing.T) {
	host := newFakeHost()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := statedb.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	r, err := New(context.Background(), host, db, "claude-session", 0)
	require.NoError(t, err)
	s1, err := r.Register(context.Background(), "c1")
	require.NoError(t, err)
	_, err = r.Register(context.Background(), "c2")
	require.NoError(t, err)
	db.Close()

	// Session for c1 dies while the bridge is down
	host.killExternally(s1.SessionName)

	db2, err := statedb.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db2.Migrate())
	defer db2.Close()

	r2, err := New(context.Background(), host, db2, "claude-session", 0)
	require.NoError(t, err)

	got1, err := r2.Lookup("c1")
	require.NoError(t, err)
	got2, err := r2.Lookup("c2")
	require.NoError(t, err)
	assert.Equal(t, StateDead, got1.State, "persisted state must not be trusted blindly")
	assert.Equal(t, StateActive, got2.State)

	// Ordinals continue after the highest persisted one
	r2.FinishSetup()
	s3, err := r2.Register(context.Background(), "c3")
	require.NoError(t, err)
	assert.Equal(t, 3, s3.Ordinal)
}

func TestNewReadOnlyRederivesWithoutWriteback(t *testing.T) {
	host := newFakeHost()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := statedb.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	r, err := New(context.Background(), host, db, "claude-session", 0)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), "c1")
	require.NoError(t, err)

	// Simulate a daemon mid-restart: the row says restarting while the
	// host still reports the session live.
	require.NoError(t, db.UpdateState("c1", string(StateRestarting)))

	ro, err := NewReadOnly(context.Background(), host, db, "claude-session")
	require.NoError(t, err)

	got, err := ro.Lookup("c1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State, "in-memory state follows the host")

	rows, err := db.LoadChannels()
	require.NoError(t, err)
	assert.Equal(t, string(StateRestarting), rows[0].State,
		"persisted state belongs to the daemon and must survive a read-only load")
}
