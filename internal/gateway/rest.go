package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const sendAttempts = 3

// Send delivers one outbound chunk to a channel. Rate limits are respected
// both proactively (token bucket) and reactively (429 Retry-After).
// Exhausting retries yields ErrDeliveryFailed; the caller logs and drops,
// since the platform offers no durable outbound queue.
func (c *Client) Send(ctx context.Context, chunk OutboundChunk) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryAfter, err := c.postMessage(ctx, chunk)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case isTerminal(err):
			return err
		case retryAfter > 0:
			gwLog.Warn("send_rate_limited",
				slog.String("channel", chunk.ChannelID),
				slog.Duration("retry_after", retryAfter))
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrDeliveryFailed, chunk.ChannelID, sendAttempts, lastErr)
}

// isTerminal reports errors that retrying cannot fix.
func isTerminal(err error) bool {
	return errors.Is(err, ErrChannelNotFound) || errors.Is(err, context.Canceled)
}

// postMessage performs one POST to the channel messages endpoint. On 429
// it returns the server's retry-after duration alongside the error.
func (c *Client) postMessage(ctx context.Context, chunk OutboundChunk) (time.Duration, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, chunk.ChannelID)

	var body io.Reader
	contentType := "application/json"
	if chunk.ImagePath != "" {
		b, ct, err := buildMultipart(chunk)
		if err != nil {
			return 0, err
		}
		body, contentType = b, ct
	} else {
		data, err := json.Marshal(map[string]string{"content": chunk.Text})
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrChannelNotFound, chunk.ChannelID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return parseRetryAfter(resp), fmt.Errorf("%w: %s", ErrRateLimited, chunk.ChannelID)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("post message: HTTP %d: %s", resp.StatusCode, msg)
	}
}

// parseRetryAfter reads the retry delay from a 429 response, preferring
// the JSON body's fractional retry_after over the header.
func parseRetryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 512)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

// buildMultipart packages an image file plus optional text as a multipart
// upload.
func buildMultipart(chunk OutboundChunk) (io.Reader, string, error) {
	f, err := os.Open(chunk.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("open image %s: %w", chunk.ImagePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload := map[string]string{"content": chunk.Text}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("payload_json", string(payloadJSON)); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormFile("files[0]", filepath.Base(chunk.ImagePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
