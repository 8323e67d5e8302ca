package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tatsuya-oka/claude-bridge/internal/config"
	"github.com/tatsuya-oka/claude-bridge/internal/registry"
	"github.com/tatsuya-oka/claude-bridge/internal/statedb"
	"github.com/tatsuya-oka/claude-bridge/internal/tmux"
	"github.com/tatsuya-oka/claude-bridge/internal/view"
)

// errDaemonUnreachable marks a connection-level failure to the daemon's
// HTTP API, as opposed to an error response from a running daemon.
// Inspection commands fall back to reading state directly when they see it.
var errDaemonUnreachable = errors.New("daemon not reachable")

// apiClient talks to a running daemon's local HTTP API.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base: "http://" + cfg.HTTPAddr,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s (is `claude-bridge start` running?): %v", errDaemonUnreachable, c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type sessionInfo struct {
	ChannelID      string `json:"channel_id"`
	SessionName    string `json:"session_name"`
	Ordinal        int    `json:"ordinal"`
	State          string `json:"state"`
	LastActivityAt string `json:"last_activity_at"`
}

// offlineSessions reads session state with no daemon involved: persisted
// mappings come from the state database and liveness from the host.
// Strictly read-only so it can run beside a daemon that owns the db.
func offlineSessions(ctx context.Context, db *statedb.StateDB, host tmux.Host) ([]sessionInfo, error) {
	rows, err := db.LoadChannels()
	if err != nil {
		return nil, err
	}
	live, err := host.ListLive(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]sessionInfo, 0, len(rows))
	for _, row := range rows {
		state := string(registry.StateDead)
		if _, ok := live[row.SessionName]; ok {
			state = string(registry.StateActive)
		}
		out = append(out, sessionInfo{
			ChannelID:      row.ChannelID,
			SessionName:    row.SessionName,
			Ordinal:        row.Ordinal,
			State:          state,
			LastActivityAt: row.LastActivityAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// loadOfflineSessions is offlineSessions with the config, host, and db
// plumbing for CLI fallback paths.
func loadOfflineSessions(ctx context.Context) ([]sessionInfo, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return offlineSessions(ctx, db, tmux.NewHost(cfg.Command))
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	c, err := newAPIClient()
	if err != nil {
		fatal(err)
	}
	var status map[string]any
	if err := c.do(http.MethodGet, "/api/status", nil, &status); err != nil {
		if !errors.Is(err, errDaemonUnreachable) {
			fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sessions, err := loadOfflineSessions(ctx)
		if err != nil {
			fatal(err)
		}
		active := 0
		for _, s := range sessions {
			if s.State == string(registry.StateActive) {
				active++
			}
		}
		if *jsonOut {
			json.NewEncoder(os.Stdout).Encode(map[string]any{
				"daemon":   "stopped",
				"sessions": len(sessions),
				"active":   active,
			})
			return
		}
		fmt.Println("Daemon:   not running")
		fmt.Printf("Sessions: %d total, %d active\n", len(sessions), active)
		return
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(status)
		return
	}
	fmt.Printf("Daemon:   running (%s)\n", c.base)
	fmt.Printf("Sessions: %v total, %v active\n", status["sessions"], status["active"])
	fmt.Printf("Uptime:   %vs\n", status["uptime_seconds"])
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	c, err := newAPIClient()
	if err != nil {
		fatal(err)
	}
	var sessions []sessionInfo
	if err := c.do(http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		if !errors.Is(err, errDaemonUnreachable) {
			fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sessions, err = loadOfflineSessions(ctx)
		if err != nil {
			fatal(err)
		}
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions registered.")
		return
	}
	fmt.Printf("%-4s %-24s %-12s %-20s %s\n", "ORD", "SESSION", "STATE", "CHANNEL", "LAST ACTIVITY")
	for _, s := range sessions {
		fmt.Printf("%-4d %-24s %-12s %-20s %s\n",
			s.Ordinal, s.SessionName, s.State, s.ChannelID, s.LastActivityAt)
	}
}

func handleAddSession(args []string) {
	fs := flag.NewFlagSet("add-session", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: claude-bridge add-session <channel-id>")
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	channelID := fs.Arg(0)

	c, err := newAPIClient()
	if err != nil {
		fatal(err)
	}
	var created sessionInfo
	err = c.do(http.MethodPost, "/api/sessions", map[string]string{"channel_id": channelID}, &created)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Bound channel %s to session %s\n", channelID, created.SessionName)
}

func handleRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: claude-bridge remove <channel-id>")
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	channelID := fs.Arg(0)

	c, err := newAPIClient()
	if err != nil {
		fatal(err)
	}
	if err := c.do(http.MethodDelete, "/api/sessions/"+channelID, nil, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("Removed channel %s and its session\n", channelID)
}

// handleStopAll kills bridged tmux sessions directly, without needing the
// daemon. Sessions are matched by the configured name prefix.
func handleStopAll(args []string) {
	fs := flag.NewFlagSet("stop-all", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host := tmux.NewHost(cfg.Command)
	live, err := host.ListLive(ctx)
	if err != nil {
		fatal(err)
	}

	prefix := tmux.SanitizeName(cfg.SessionPrefix) + "-"
	killed := 0
	for name := range live {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := host.Kill(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: kill %s: %v\n", name, err)
			continue
		}
		fmt.Printf("Killed %s\n", name)
		killed++
	}
	if killed == 0 {
		fmt.Println("No bridged sessions running.")
	}
}

// handleView opens the read-only tiled dashboard. It reads the state
// directly so it works whether or not the daemon is up.
func handleView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fatal(fmt.Errorf("view requires an interactive terminal"))
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	stateDir, err := config.StateDir()
	if err != nil {
		fatal(err)
	}
	db, err := statedb.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fatal(err)
	}

	ctx := context.Background()
	host := tmux.NewHost(cfg.Command)
	// Read-only: a running daemon owns the persisted state, and the view
	// must not clobber it with its own startup snapshot.
	reg, err := registry.NewReadOnly(ctx, host, db, cfg.SessionPrefix)
	if err != nil {
		fatal(err)
	}

	if err := view.Run(ctx, host, reg, cfg.ViewRefresh()); err != nil {
		fatal(err)
	}
}
