// Package channel defines the interface for operator channels.
// Channels are how the operator talks to the agent — Telegram, Matrix,
// CLI — for oversight commands and status reports.
package channel

import "context"

// Message represents an incoming operator message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "telegram", "matrix", "cli")
	Source string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// RoomID is the channel-specific room/conversation identifier
	RoomID string

	// Content is the message text, usually a command like /status
	Content string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send
	Content string

	// RoomID is the target room/conversation
	RoomID string
}

// Channel is the interface for an operator channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a response to a specific room on this channel.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error
