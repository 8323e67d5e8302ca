// Package gateway maintains the realtime connection to the chat platform,
// decodes raw events into typed InboundEvents at the boundary, and sends
// OutboundChunks back through the platform's REST API. The router never
// sees an untyped payload.
package gateway

import (
	"errors"
	"time"
)

// Gateway-level sentinel errors.
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrChannelNotFound = errors.New("channel not found")
	ErrDeliveryFailed  = errors.New("delivery failed")
)

// EventKind tags the closed set of inbound event variants.
type EventKind int

const (
	// KindText is a plain message, optionally with staged images.
	KindText EventKind = iota
	// KindSlashCommand is a message starting with "/", forwarded to the
	// CLI session verbatim.
	KindSlashCommand
)

// StagedImage is an attachment already written to a session-visible path.
type StagedImage struct {
	Path         string
	OriginalName string
	Size         int64
}

// InboundEvent is one decoded chat event. All images referenced are fully
// staged on disk before the event is emitted, so consumers never observe
// a partial attachment set.
type InboundEvent struct {
	ID         string
	ChannelID  string
	Kind       EventKind
	Content    string
	Images     []StagedImage
	Author     string
	ReceivedAt time.Time
}

// OutboundChunk is text or an image destined for a specific channel.
// Delivery is at-least-once effort: the sender retries, then drops.
type OutboundChunk struct {
	ChannelID string
	Text      string
	ImagePath string
}
