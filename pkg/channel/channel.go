// Package channel defines the interface for chat platform transports.
// Transports are how Chorus talks to the world — Discord, Matrix, future CLI.
package channel

import (
	"context"
	"strings"
)

// Attachment is a file or image attached to an inbound message.
type Attachment struct {
	URL         string
	ContentType string
	Filename    string
}

// Reference points at the message an inbound message replies to.
type Reference struct {
	MessageID string
	ChannelID string
	// AuthorIsSelf is true when the referenced message was sent by the bot.
	AuthorIsSelf bool
	// Content is the referenced message text, when the platform provides it.
	Content string
}

// Message represents an incoming message from any transport.
type Message struct {
	// Source identifies the transport (e.g., "discord", "matrix")
	Source string

	// ID is the platform-unique message identifier, used for dedup.
	ID string

	// ChannelID is the platform conversation identifier.
	ChannelID string

	// GuildID is the server/space identifier; empty for direct messages.
	GuildID string

	// AuthorID is the platform user id of the sender.
	AuthorID string

	// AuthorName is the sender display name (for prompt substitution).
	AuthorName string

	// AuthorIsBot is true when the platform marks the sender as a bot.
	AuthorIsBot bool

	// Content is the message text with user mentions resolved to names.
	Content string

	// MentionsSelf is true when the bot is explicitly mentioned.
	MentionsSelf bool

	// IsDM is true for direct (one-to-one) messages.
	IsDM bool

	Attachments []Attachment
	Reference   *Reference

	// Timestamp is the message creation time in milliseconds.
	Timestamp int64
}

// HasImage reports whether any attachment looks like an image.
func (m Message) HasImage() bool {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return true
		}
	}
	return false
}

// Response represents an outgoing message to a transport.
type Response struct {
	// ChannelID is the target conversation.
	ChannelID string

	// Content is the text to send.
	Content string
}

// Channel is the interface for a chat platform transport.
type Channel interface {
	// Name returns the transport identifier (e.g., "discord").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are delivered to the handler in arrival order
	// per channel.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a message and returns the sent message id.
	Send(ctx context.Context, resp Response) (string, error)

	// Edit replaces the content of a previously sent message. Transports
	// that cannot edit return ErrEditUnsupported.
	Edit(ctx context.Context, channelID, messageID, content string) error

	// SelfID returns the bot's own user id on this transport.
	SelfID() string

	// Stop gracefully shuts down the transport.
	Stop() error
}

// MessageHandler is called for every message received from a transport.
// Implementations must not block the transport's receive loop for long;
// long work is expected to run in its own goroutine.
type MessageHandler func(ctx context.Context, msg Message)

// ErrUnsupported marks a transport operation the platform cannot perform.
type ErrUnsupported struct{ Op string }

func (e *ErrUnsupported) Error() string { return e.Op + " not supported by this transport" }

// ErrEditUnsupported is the sentinel for transports that cannot edit.
var ErrEditUnsupported = &ErrUnsupported{Op: "edit"}
