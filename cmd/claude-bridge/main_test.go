package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatsuya-oka/claude-bridge/internal/statedb"
)

func testClient(ts *httptest.Server) *apiClient {
	return &apiClient{base: ts.URL, hc: &http.Client{Timeout: 2 * time.Second}}
}

func TestAPIClientDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"channel_id":"c1","session_name":"claude-session-1","ordinal":1,"state":"active"}]`))
	}))
	defer ts.Close()

	var sessions []sessionInfo
	err := testClient(ts).do(http.MethodGet, "/api/sessions", nil, &sessions)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "claude-session-1", sessions[0].SessionName)
}

func TestAPIClientSurfacesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"channel already registered: c1"}`))
	}))
	defer ts.Close()

	err := testClient(ts).do(http.MethodPost, "/api/sessions", map[string]string{"channel_id": "c1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestAPIClientUnreachableDaemon(t *testing.T) {
	c := &apiClient{base: "http://127.0.0.1:1", hc: &http.Client{Timeout: time.Second}}
	err := c.do(http.MethodGet, "/api/status", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestAPIClientUnreachableIsSentinel(t *testing.T) {
	c := &apiClient{base: "http://127.0.0.1:1", hc: &http.Client{Timeout: time.Second}}
	err := c.do(http.MethodGet, "/api/status", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDaemonUnreachable)
}

// stubHost provides just enough of tmux.Host for offline inspection.
type stubHost struct {
	live map[string]struct{}
}

func (s *stubHost) Create(context.Context, string) error       { return nil }
func (s *stubHost) Send(context.Context, string, string) error { return nil }
func (s *stubHost) Capture(context.Context, string) (string, error) {
	return "", nil
}
func (s *stubHost) Kill(context.Context, string) error { return nil }
func (s *stubHost) ListLive(context.Context) (map[string]struct{}, error) {
	return s.live, nil
}

func TestOfflineSessionsRederivesLiveness(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	now := time.Now()
	require.NoError(t, db.SaveChannel(&statedb.ChannelRow{
		ChannelID: "c1", SessionName: "claude-session-1", Ordinal: 1,
		State: "active", CreatedAt: now, LastActivityAt: now,
	}))
	require.NoError(t, db.SaveChannel(&statedb.ChannelRow{
		ChannelID: "c2", SessionName: "claude-session-2", Ordinal: 2,
		State: "active", CreatedAt: now, LastActivityAt: now,
	}))

	host := &stubHost{live: map[string]struct{}{"claude-session-2": {}}}
	got, err := offlineSessions(context.Background(), db, host)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "dead", got[0].State, "row state is stale, liveness comes from the host")
	assert.Equal(t, "active", got[1].State)

	// No write-back: the daemon owns the persisted rows.
	rows, err := db.LoadChannels()
	require.NoError(t, err)
	assert.Equal(t, "active", rows[0].State)
}
