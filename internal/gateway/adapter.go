// Package gateway bridges chat platforms (Discord, Slack) to the
// assistant: it filters senders, coalesces message bursts, and routes
// each flushed prompt through a run to produce a reply.
package gateway

import (
	"context"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Each adapter handles connection management and direct-message traffic
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to a sender.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a direct message received from the platform.
type InboundMessage struct {
	Platform   string        // e.g. "discord", "slack"
	SenderID   string        // platform-specific stable sender identifier
	SenderName string        // human-readable display name
	Text       string        // raw message text
	Media      *MediaPayload // non-nil for voice notes and other media
	Timestamp  time.Time     // when the message was sent
}

// MediaPayload carries downloaded media content for transcription.
type MediaPayload struct {
	MimeType string
	Data     []byte
}

// OutboundMessage represents a reply to be sent back to a sender.
type OutboundMessage struct {
	SenderID string
	Text     string
}
