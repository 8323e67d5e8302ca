// Package registry owns the durable channel-to-session mapping. It is the
// single source of truth for session existence; the process host's session
// table is treated as eventually consistent and reconciled lazily.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/statedb"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// State represents the lifecycle state of a session.
type State string

const (
	// StateActive means the backing process is alive and accepting input.
	StateActive State = "active"
	// StateDead means the host reports the process missing. The entry
	// stays registered; the router restarts it lazily on the next event.
	StateDead State = "dead"
	// StateRestarting means a recreate is in progress.
	StateRestarting State = "restarting"
)

// SetupCapacity is the fixed number of channels that may be provisioned
// at initial setup. Lifted once setup completes.
const SetupCapacity = 3

// Sentinel errors.
var (
	ErrNotRegistered     = errors.New("channel not registered")
	ErrAlreadyRegistered = errors.New("channel already registered")
	ErrCapacityExceeded  = errors.New("session capacity exceeded")
)

// Session describes one external CLI process bound to one chat channel.
// Values returned from the registry are copies; all mutation goes through
// registry operations.
type Session struct {
	ChannelID      string
	SessionName    string
	Ordinal        int
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// entry pairs a session with its per-channel lock. Mutations for one
// channel are mutually exclusive but independent across channels, so a
// stuck session can't block the rest.
type entry struct {
	mu sync.Mutex
	s  Session
}

// Registry maps channel IDs to sessions, persisting through statedb and
// provisioning through the process host.
type Registry struct {
	host        tmux.Host
	db          *statedb.StateDB
	prefix      string
	maxSessions int // post-setup cap, 0 = unlimited

	mu          sync.Mutex // guards sessions, order, nextOrdinal, setupDone
	sessions    map[string]*entry
	order       []string
	nextOrdinal int
	setupDone   bool
}

// New creates a Registry backed by db and host. Existing rows are loaded
// and each entry's live state re-derived by querying the host rather than
// trusted from disk; mismatches are written back.
func New(ctx context.Context, host tmux.Host, db *statedb.StateDB, prefix string, maxSessions int) (*Registry, error) {
	return load(ctx, host, db, prefix, maxSessions, true)
}

// NewReadOnly is New without the write-back: states are still re-derived
// from the host, but persisted rows are left untouched. For inspection
// paths (view, status) that may run beside a live daemon owning the db.
func NewReadOnly(ctx context.Context, host tmux.Host, db *statedb.StateDB, prefix string) (*Registry, error) {
	return load(ctx, host, db, prefix, 0, false)
}

func load(ctx context.Context, host tmux.Host, db *statedb.StateDB, prefix string, maxSessions int, persist bool) (*Registry, error) {
	r := &Registry{
		host:        host,
		db:          db,
		prefix:      prefix,
		maxSessions: maxSessions,
		sessions:    make(map[string]*entry),
	}

	rows, err := db.LoadChannels()
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}

	live, err := host.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list live sessions: %w", err)
	}

	maxOrd := 0
	for _, row := range rows {
		state := StateDead
		if _, ok := live[row.SessionName]; ok {
			state = StateActive
		}
		if string(state) != row.State && persist {
			regLog.Info("state_rederived",
				slog.String("channel", row.ChannelID),
				slog.String("persisted", row.State),
				slog.String("actual", string(state)))
			_ = db.UpdateState(row.ChannelID, string(state))
		}
		r.sessions[row.ChannelID] = &entry{s: Session{
			ChannelID:      row.ChannelID,
			SessionName:    row.SessionName,
			Ordinal:        row.Ordinal,
			State:          state,
			CreatedAt:      row.CreatedAt,
			LastActivityAt: row.LastActivityAt,
		}}
		r.order = append(r.order, row.ChannelID)
		if row.Ordinal > maxOrd {
			maxOrd = row.Ordinal
		}
	}
	r.nextOrdinal = maxOrd + 1

	return r, nil
}

// FinishSetup lifts the initial 3-channel capacity limit. Called once the
// install-time channel list has been provisioned.
func (r *Registry) FinishSetup() {
	r.mu.Lock()
	r.setupDone = true
	r.mu.Unlock()
}

// Register allocates a deterministic session name for the channel, creates
// the backing session on the host, and stores the mapping as Active.
func (r *Registry) Register(ctx context.Context, channelID string) (Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[channelID]; ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, channelID)
	}
	if !r.setupDone && len(r.sessions) >= SetupCapacity {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: initial setup allows %d channels", ErrCapacityExceeded, SetupCapacity)
	}
	if r.setupDone && r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: max_sessions=%d", ErrCapacityExceeded, r.maxSessions)
	}

	ordinal := r.nextOrdinal
	r.nextOrdinal++
	now := time.Now()
	e := &entry{s: Session{
		ChannelID:      channelID,
		SessionName:    tmux.SessionName(r.prefix, ordinal),
		Ordinal:        ordinal,
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	// Hold the per-channel lock across host creation so concurrent
	// operations on this channel queue behind registration, while other
	// channels proceed.
	e.mu.Lock()
	defer e.mu.Unlock()
	r.sessions[channelID] = e
	r.order = append(r.order, channelID)
	r.mu.Unlock()

	if err := r.host.Create(ctx, e.s.SessionName); err != nil {
		// Ordinal is not reclaimed; gaps are fine and duplicate names are not.
		r.mu.Lock()
		delete(r.sessions, channelID)
		for i, id := range r.order {
			if id == channelID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return Session{}, fmt.Errorf("registry: create %s: %w", e.s.SessionName, err)
	}

	if err := r.db.SaveChannel(rowOf(e.s)); err != nil {
		regLog.Error("persist_failed", slog.String("channel", channelID), slog.String("error", err.Error()))
	}

	regLog.Info("channel_registered",
		slog.String("channel", channelID),
		slog.String("session", e.s.SessionName))
	return e.s, nil
}

// Lookup returns a copy of the channel's session.
func (r *Registry) Lookup(channelID string) (Session, error) {
	e, err := r.entry(channelID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

// Remove kills the backing session and deletes the mapping. A session
// already gone from the host is not an error: the registry is the
// authority and the host is reconciled, not trusted.
func (r *Registry) Remove(ctx context.Context, channelID string) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.host.Kill(ctx, e.s.SessionName); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		return fmt.Errorf("registry: kill %s: %w", e.s.SessionName, err)
	}
	if err := r.db.DeleteChannel(channelID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, channelID)
	for i, id := range r.order {
		if id == channelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	regLog.Info("channel_removed", slog.String("channel", channelID))
	return nil
}

// List returns sessions in registration order.
func (r *Registry) List() []Session {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.Unlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, err := r.Lookup(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// MarkDead transitions the channel's session to Dead without destroying
// the entry.
func (r *Registry) MarkDead(channelID string) error {
	return r.setState(channelID, StateDead)
}

// MarkActive transitions the channel's session to Active.
func (r *Registry) MarkActive(channelID string) error {
	return r.setState(channelID, StateActive)
}

// MarkRestarting transitions the channel's session to Restarting.
func (r *Registry) MarkRestarting(channelID string) error {
	return r.setState(channelID, StateRestarting)
}

func (r *Registry) setState(channelID string, state State) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.s.State
	e.s.State = state
	e.mu.Unlock()

	if prev != state {
		regLog.Info("state_transition",
			slog.String("channel", channelID),
			slog.String("from", string(prev)),
			slog.String("to", string(state)))
		if err := r.db.UpdateState(channelID, string(state)); err != nil {
			regLog.Error("persist_state_failed", slog.String("channel", channelID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Touch updates the channel's last-activity timestamp.
func (r *Registry) Touch(channelID string) {
	e, err := r.entry(channelID)
	if err != nil {
		return
	}
	now := time.Now()
	e.mu.Lock()
	e.s.LastActivityAt = now
	e.mu.Unlock()
	_ = r.db.TouchActivity(channelID, now)
}

// Recreate re-provisions the backing session for a Dead channel on the
// host. The caller drives the surrounding Restarting state transitions.
func (r *Registry) Recreate(ctx context.Context, channelID string) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	name := e.s.SessionName
	e.mu.Unlock()
	return r.host.Create(ctx, name)
}

func (r *Registry) entry(channelID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, channelID)
	}
	return e, nil
}

func rowOf(s Session) *statedb.ChannelRow {
	return &statedb.ChannelRow{
		ChannelID:      s.ChannelID,
		SessionName:    s.SessionName,
		Ordinal:        s.Ordinal,
		State:          string(s.State),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}
