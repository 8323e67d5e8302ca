// Package bridge routes chat events into CLI sessions and relays session
// output back. It owns the per-channel dispatch workers, the session
// state machine, and the output pollers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/registry"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

var routeLog = logging.ForComponent(logging.CompRouter)

// Sender delivers outbound chunks to the chat platform. Satisfied by
// *gateway.Client.
type Sender interface {
	Send(ctx context.Context, chunk gateway.OutboundChunk) error
}

// commandPrefix marks in-channel bridge commands (handled locally, never
// injected into the session).
const commandPrefix = "!"

// workerQueueSize bounds each channel's pending-event queue. Events past
// the bound are rejected rather than blocking sibling channels.
const workerQueueSize = 64

// Bridge wires inbound routing and outbound relay around a registry.
type Bridge struct {
	host         tmux.Host
	reg          *registry.Registry
	sender       Sender
	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]chan gateway.InboundEvent
	pollers map[string]*poller
	wg      sync.WaitGroup
}

// New creates a Bridge. pollInterval governs how often each active
// session's pane is captured for relay.
func New(host tmux.Host, reg *registry.Registry, sender Sender, pollInterval time.Duration) *Bridge {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Bridge{
		host:         host,
		reg:          reg,
		sender:       sender,
		pollInterval: pollInterval,
		workers:      make(map[string]chan gateway.InboundEvent),
		pollers:      make(map[string]*poller),
	}
}

// Run consumes events until the channel closes or ctx is cancelled, then
// waits for all workers and pollers to drain. Pollers for sessions that
// were already active at startup are started immediately.
func (b *Bridge) Run(ctx context.Context, events <-chan gateway.InboundEvent) error {
	for _, s := range b.reg.List() {
		if s.State == registry.StateActive {
			b.startPoller(ctx, s.ChannelID, s.SessionName)
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				b.shutdown()
				return nil
			}
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch hands the event to the channel's worker, creating the worker
// on first use. Order within a channel is the order events arrive here.
// The enqueue happens under the bridge lock so a concurrent worker
// teardown can never close the queue mid-send.
func (b *Bridge) dispatch(ctx context.Context, ev gateway.InboundEvent) {
	b.mu.Lock()
	q, ok := b.workers[ev.ChannelID]
	if !ok {
		q = make(chan gateway.InboundEvent, workerQueueSize)
		b.workers[ev.ChannelID] = q
		b.wg.Add(1)
		go b.worker(ctx, ev.ChannelID, q)
	}
	full := false
	select {
	case q <- ev:
	default:
		full = true
	}
	b.mu.Unlock()

	if full {
		routeLog.Warn("queue_full", slog.String("channel", ev.ChannelID))
		b.reply(ctx, ev.ChannelID, "Too many pending messages for this session; try again shortly.")
	}
}

func (b *Bridge) worker(ctx context.Context, channelID string, q chan gateway.InboundEvent) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			b.process(ctx, ev)
		}
	}
}

// process runs one event through the state machine and injects it.
func (b *Bridge) process(ctx context.Context, ev gateway.InboundEvent) {
	if strings.HasPrefix(ev.Content, commandPrefix) {
		if b.handleCommand(ctx, ev) {
			return
		}
	}

	sess, err := b.reg.Lookup(ev.ChannelID)
	if errors.Is(err, registry.ErrNotRegistered) {
		routeLog.Warn("unknown_channel", slog.String("channel", ev.ChannelID))
		b.reply(ctx, ev.ChannelID, "This channel is not bound to a session. Run `claude-bridge add-session` for it first.")
		return
	}
	if err != nil {
		routeLog.Error("lookup_failed", slog.String("channel", ev.ChannelID), slog.String("error", err.Error()))
		return
	}

	if len(ev.Content) > maxInboundLen {
		b.reply(ctx, ev.ChannelID, fmt.Sprintf("Message too long (%d chars, limit %d).", len(ev.Content), maxInboundLen))
		return
	}

	if sess.State != registry.StateActive {
		if !b.restart(ctx, sess) {
			b.reply(ctx, ev.ChannelID, "Session could not be restarted; it stays marked dead.")
			return
		}
	}

	text := FormatInjection(ev, sess.Ordinal)
	if err := b.host.Send(ctx, sess.SessionName, text); err != nil {
		routeLog.Warn("send_failed",
			slog.String("session", sess.SessionName),
			slog.Bool("vanished", errors.Is(err, tmux.ErrSessionNotFound)),
			slog.String("error", err.Error()))
		// A failed send means the session is gone or wedged. One restart,
		// one retry; a second failure leaves the session dead.
		_ = b.reg.MarkDead(ev.ChannelID)
		b.stopPoller(ev.ChannelID)
		if !b.restart(ctx, sess) {
			b.reply(ctx, ev.ChannelID, "Session died and could not be restarted.")
			return
		}
		if err := b.host.Send(ctx, sess.SessionName, text); err != nil {
			routeLog.Error("send_retry_failed", slog.String("session", sess.SessionName), slog.String("error", err.Error()))
			_ = b.reg.MarkDead(ev.ChannelID)
			b.reply(ctx, ev.ChannelID, "Session died and could not be restarted.")
			return
		}
	}

	b.reg.Touch(ev.ChannelID)
	b.startPoller(ctx, ev.ChannelID, sess.SessionName)
}

// restart drives Dead -> Restarting -> Active (or back to Dead) and
// restarts the output poller on success.
func (b *Bridge) restart(ctx context.Context, sess registry.Session) bool {
	_ = b.reg.MarkRestarting(sess.ChannelID)
	if err := b.reg.Recreate(ctx, sess.ChannelID); err != nil {
		routeLog.Error("restart_failed",
			slog.String("session", sess.SessionName),
			slog.String("error", err.Error()))
		_ = b.reg.MarkDead(sess.ChannelID)
		return false
	}
	_ = b.reg.MarkActive(sess.ChannelID)
	routeLog.Info("session_restarted", slog.String("session", sess.SessionName))
	b.startPoller(ctx, sess.ChannelID, sess.SessionName)
	return true
}

// handleCommand intercepts in-channel bridge commands. Returns false for
// unrecognized commands, which then flow to the session as ordinary text.
func (b *Bridge) handleCommand(ctx context.Context, ev gateway.InboundEvent) bool {
	switch strings.TrimSpace(ev.Content) {
	case commandPrefix + "status":
		b.reply(ctx, ev.ChannelID, b.statusText())
		return true
	case commandPrefix + "sessions":
		b.reply(ctx, ev.ChannelID, b.sessionsText())
		return true
	}
	return false
}

func (b *Bridge) statusText() string {
	sessions := b.reg.List()
	active := 0
	for _, s := range sessions {
		if s.State == registry.StateActive {
			active++
		}
	}
	return fmt.Sprintf("Bridge up. %d session(s), %d active.", len(sessions), active)
}

func (b *Bridge) sessionsText() string {
	sessions := b.reg.List()
	if len(sessions) == 0 {
		return "No sessions registered."
	}
	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&sb, "  %d. %s [%s] (channel %s)\n", s.Ordinal, s.SessionName, s.State, s.ChannelID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// reply sends a short notice back to the channel, logging delivery errors
// instead of propagating them.
func (b *Bridge) reply(ctx context.Context, channelID, text string) {
	if err := b.sender.Send(ctx, gateway.OutboundChunk{ChannelID: channelID, Text: text}); err != nil {
		routeLog.Error("reply_failed", slog.String("channel", channelID), slog.String("error", err.Error()))
	}
}

// Inject delivers operator-supplied text into the channel's session,
// running the same state machine as chat-originated events. Unlike the
// chat path, failures come back to the caller instead of the channel.
func (b *Bridge) Inject(ctx context.Context, channelID, text string) error {
	sess, err := b.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	if len(text) > maxInboundLen {
		return fmt.Errorf("message too long (%d chars, limit %d)", len(text), maxInboundLen)
	}

	if sess.State != registry.StateActive {
		if !b.restart(ctx, sess) {
			return fmt.Errorf("session %s could not be restarted", sess.SessionName)
		}
	}

	ev := gateway.InboundEvent{ChannelID: channelID, Kind: gateway.KindText, Content: text}
	if strings.HasPrefix(text, "/") {
		ev.Kind = gateway.KindSlashCommand
	}
	if err := b.host.Send(ctx, sess.SessionName, FormatInjection(ev, sess.Ordinal)); err != nil {
		_ = b.reg.MarkDead(channelID)
		b.stopPoller(channelID)
		return fmt.Errorf("inject into %s: %w", sess.SessionName, err)
	}

	b.reg.Touch(channelID)
	b.startPoller(ctx, channelID, sess.SessionName)
	return nil
}

// RemoveChannel tears down everything the bridge holds for the channel:
// the dispatch worker and its queue, the output poller, and finally the
// registry entry.
func (b *Bridge) RemoveChannel(ctx context.Context, channelID string) error {
	b.mu.Lock()
	if q, ok := b.workers[channelID]; ok {
		delete(b.workers, channelID)
		close(q)
	}
	b.mu.Unlock()

	b.stopPoller(channelID)
	return b.reg.Remove(ctx, channelID)
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	for id, q := range b.workers {
		close(q)
		delete(b.workers, id)
	}
	pollers := make([]*poller, 0, len(b.pollers))
	for id, p := range b.pollers {
		pollers = append(pollers, p)
		delete(b.pollers, id)
	}
	b.mu.Unlock()

	for _, p := range pollers {
		p.stop()
	}
	b.wg.Wait()
}
