package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tatsuya-oka/claude-bridge/internal/logging"
)

var gwLog = logging.ForComponent(logging.CompGateway)

// Discord gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway intents: GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT.
const identifyIntents = 1<<0 | 1<<9 | 1<<15

const (
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultAPIBase    = "https://discord.com/api/v10"

	reconnectMinBackoff = 1 * time.Second
	reconnectMaxBackoff = 60 * time.Second

	// A connection that held this long counts as healthy; the next
	// disconnect starts the backoff ladder over instead of continuing it.
	stableConnWindow = 30 * time.Second

	dedupWindow = 512
	eventBuffer = 256
)

// Client is the Inbound Gateway: one persistent websocket connection to
// the chat platform, decoded into InboundEvents, plus the outbound REST
// send path.
type Client struct {
	token  string
	stager *Stager

	// Overridable for tests.
	gatewayURL string
	apiBase    string
	httpc      *http.Client

	limiter *rate.Limiter
	dedup   *dedupRing
	events  chan InboundEvent
	seq     atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a gateway client. The stager receives every image
// attachment before the carrying event is emitted.
func NewClient(token string, stager *Stager) *Client {
	return &Client{
		token:      token,
		stager:     stager,
		gatewayURL: defaultGatewayURL,
		apiBase:    defaultAPIBase,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		// Global REST budget; per-route 429s are handled reactively.
		limiter: rate.NewLimiter(rate.Limit(40), 5),
		dedup:   newDedupRing(dedupWindow),
		events:  make(chan InboundEvent, eventBuffer),
		closed:  make(chan struct{}),
	}
}

// Subscribe returns the inbound event stream. The channel is closed only
// when the client shuts down; it is not restartable without reconnecting.
func (c *Client) Subscribe() <-chan InboundEvent {
	return c.events
}

// Run maintains the gateway connection until ctx is canceled, reconnecting
// with exponential backoff on disconnects.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeEvents()

	var backoff time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		backoff = reconnectDelay(backoff, time.Since(start))
		gwLog.Warn("gateway_disconnected",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnectDelay returns the wait before the next dial given the previous
// delay and how long the last connection survived. A connection that held
// past the stability window resets the ladder; anything shorter doubles
// it up to the cap.
func reconnectDelay(prev, connectedFor time.Duration) time.Duration {
	if prev <= 0 || connectedFor >= stableConnWindow {
		return reconnectMinBackoff
	}
	next := prev * 2
	if next > reconnectMaxBackoff {
		next = reconnectMaxBackoff
	}
	return next
}

// closeEvents closes the event stream exactly once.
func (c *Client) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.events)
	})
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Attachments []struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Size     int64  `json:"size"`
	} `json:"attachments"`
}

// wsWriter serializes websocket writes (gorilla allows one concurrent
// writer) and guards them with a deadline.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// connectOnce runs one full connection lifecycle: dial, hello/identify
// handshake, heartbeat loop, and the read loop until failure.
func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// Hello carries the heartbeat interval.
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	writer := &wsWriter{conn: conn}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   c.token,
			"intents": identifyIntents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "claude-bridge",
				"device":  "claude-bridge",
			},
		},
	}
	if err := writer.WriteJSON(identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	gwLog.Info("gateway_connected", slog.Duration("heartbeat", interval))

	// Heartbeat loop; stops when the read loop exits.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		// First beat at interval*jitter per the gateway contract.
		timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				seq := c.seq.Load()
				if err := writer.WriteJSON(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
					gwLog.Warn("heartbeat_write_failed", slog.String("error", err.Error()))
					_ = conn.Close()
					return
				}
				timer.Reset(interval)
			case <-hbDone:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if p.S != nil {
			c.seq.Store(*p.S)
		}

		switch p.Op {
		case opDispatch:
			if p.T == "MESSAGE_CREATE" {
				c.handleMessageCreate(ctx, p.D)
			}
		case opHeartbeat:
			_ = writer.WriteJSON(map[string]any{"op": opHeartbeat, "d": c.seq.Load()})
		case opHeartbeatACK:
			// nothing to do
		case opReconnect:
			return fmt.Errorf("server requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("invalid session")
		}
	}
}

// handleMessageCreate decodes, deduplicates, stages attachments, and emits
// the event. Bot-authored messages (including our own relays) are ignored.
func (c *Client) handleMessageCreate(ctx context.Context, raw json.RawMessage) {
	var m messageCreate
	if err := json.Unmarshal(raw, &m); err != nil {
		gwLog.Warn("decode_message_failed", slog.String("error", err.Error()))
		return
	}
	if m.Author.Bot {
		return
	}
	if c.dedup.Observe(m.ID) {
		gwLog.Debug("duplicate_event_dropped", slog.String("id", m.ID))
		return
	}

	// Stage the full attachment set before the event becomes visible.
	var images []StagedImage
	for _, a := range m.Attachments {
		img, err := c.stager.Stage(a.URL, a.Filename, a.Size)
		if err != nil {
			gwLog.Warn("attachment_skipped",
				slog.String("file", a.Filename),
				slog.String("error", err.Error()))
			continue
		}
		images = append(images, img)
	}

	ev := InboundEvent{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		Kind:       KindText,
		Content:    m.Content,
		Images:     images,
		Author:     m.Author.Username,
		ReceivedAt: time.Now(),
	}
	if len(m.Content) > 0 && m.Content[0] == '/' {
		ev.Kind = KindSlashCommand
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.closed:
	}
}
