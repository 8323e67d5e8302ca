package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupRing(t *testing.T) {
	d := newDedupRing(3)

	assert.False(t, d.Observe("a"))
	assert.False(t, d.Observe("b"))
	assert.True(t, d.Observe("a"), "within window must dedup")

	// Push "a" out of the 3-slot window
	assert.False(t, d.Observe("c"))
	assert.False(t, d.Observe("d"))
	assert.False(t, d.Observe("a"), "evicted id is seen as new again")
}

func newTestClient(apiBase string) *Client {
	c := NewClient("test-token", nil)
	c.apiBase = apiBase
	return c
}

func TestSendText(t *testing.T) {
	var got struct {
		Content string `json:"content"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Send(context.Background(), OutboundChunk{ChannelID: "123", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "Bot test-token", auth)
}

func TestSendChannelNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Send(context.Background(), OutboundChunk{ChannelID: "123", Text: "x"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestSendRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after": 0.01}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Send(context.Background(), OutboundChunk{ChannelID: "123", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendExhaustedRetriesIsDeliveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Send(context.Background(), OutboundChunk{ChannelID: "123", Text: "x"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestParseRetryAfterBody(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{},
		Body:   http.NoBody,
	}
	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, parseRetryAfter(resp))
}

func TestReconnectDelayLadder(t *testing.T) {
	// Repeated quick disconnects double up to the cap.
	d := reconnectDelay(0, time.Second)
	assert.Equal(t, reconnectMinBackoff, d)
	d = reconnectDelay(d, time.Second)
	assert.Equal(t, 2*time.Second, d)
	d = reconnectDelay(d, time.Second)
	assert.Equal(t, 4*time.Second, d)
	for i := 0; i < 10; i++ {
		d = reconnectDelay(d, time.Second)
	}
	assert.Equal(t, reconnectMaxBackoff, d)
}

func TestReconnectDelayResetsAfterStableConnection(t *testing.T) {
	// A long-lived connection starts the ladder over; one early flap must
	// not pin the process at the cap forever.
	d := reconnectDelay(reconnectMaxBackoff, stableConnWindow+time.Minute)
	assert.Equal(t, reconnectMinBackoff, d)
}
