package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
)

var relayLog = logging.ForComponent(logging.CompRelay)

// deadAfterFailures is how many consecutive capture failures mark a
// session dead. Transient timeouts don't count.
const deadAfterFailures = 2

// poller watches one session's pane and relays new output to its channel.
type poller struct {
	channelID   string
	sessionName string
	cancel      context.CancelFunc
	done        chan struct{}
}

func (p *poller) stop() {
	p.cancel()
	<-p.done
}

// startPoller launches a poller for the channel if one isn't running.
func (b *Bridge) startPoller(ctx context.Context, channelID, sessionName string) {
	b.mu.Lock()
	if _, ok := b.pollers[channelID]; ok {
		b.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &poller{
		channelID:   channelID,
		sessionName: sessionName,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	b.pollers[channelID] = p
	b.mu.Unlock()

	b.wg.Add(1)
	go b.poll(pctx, p)
}

// stopPoller cancels the channel's poller, if any, and waits for it.
func (b *Bridge) stopPoller(channelID string) {
	b.mu.Lock()
	p, ok := b.pollers[channelID]
	if ok {
		delete(b.pollers, channelID)
	}
	b.mu.Unlock()
	if ok {
		p.stop()
	}
}

// poll captures the pane on each tick, diffs against the last snapshot,
// and relays the delta. The first successful capture only establishes the
// baseline so scrollback predating the poller is not replayed into chat.
func (b *Bridge) poll(ctx context.Context, p *poller) {
	defer b.wg.Done()
	defer close(p.done)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var (
		prev      string
		baselined bool
		failures  int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		raw, err := b.host.Capture(ctx, p.sessionName)
		if err != nil {
			if errors.Is(err, tmux.ErrCaptureTimeout) || errors.Is(err, context.Canceled) {
				continue
			}
			failures++
			relayLog.Warn("capture_failed",
				slog.String("session", p.sessionName),
				slog.Int("consecutive", failures),
				slog.String("error", err.Error()))
			if failures >= deadAfterFailures {
				_ = b.reg.MarkDead(p.channelID)
				b.mu.Lock()
				delete(b.pollers, p.channelID)
				b.mu.Unlock()
				relayLog.Info("poller_stopped", slog.String("session", p.sessionName))
				return
			}
			continue
		}
		failures = 0

		cur := NormalizeCapture(raw)
		if !baselined {
			prev = cur
			baselined = true
			continue
		}

		delta, reset := ComputeDelta(prev, cur)
		prev = cur
		if reset {
			relayLog.Info("pane_reset", slog.String("session", p.sessionName))
		}
		if delta == "" {
			continue
		}
		b.relayText(ctx, p.channelID, delta)
		b.relayImages(ctx, p.channelID, delta)
	}
}

// imagePathRe matches absolute filesystem paths with an image extension
// appearing in session output.
var imagePathRe = regexp.MustCompile(`(?i)(/[^\s"'\x60]+\.(?:png|jpe?g|gif|webp|bmp|tiff))`)

// extractImagePaths returns image paths referenced in text that actually
// exist on disk, deduplicated in order of first mention.
func extractImagePaths(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range imagePathRe.FindAllString(text, -1) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			out = append(out, m)
		}
	}
	return out
}

// relayImages uploads image files the session's output refers to, so a
// generated screenshot or plot lands in the channel instead of only its
// path.
func (b *Bridge) relayImages(ctx context.Context, channelID, delta string) {
	for _, path := range extractImagePaths(delta) {
		err := b.sender.Send(ctx, gateway.OutboundChunk{ChannelID: channelID, ImagePath: path})
		if err != nil {
			relayLog.Warn("image_relay_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// relayText splits text into platform-sized chunks and sends them in
// order. A failed chunk is dropped, not retried here; the gateway already
// retried transient failures.
func (b *Bridge) relayText(ctx context.Context, channelID, text string) {
	for _, chunk := range SplitChunks(text, chunkLimit) {
		err := b.sender.Send(ctx, gateway.OutboundChunk{ChannelID: channelID, Text: chunk})
		if err != nil {
			relayLog.Error("relay_failed",
				slog.String("channel", channelID),
				slog.String("error", err.Error()))
			return
		}
	}
}
