// Package matrix implements the channel.Channel transport for Matrix
// homeservers using mautrix-go.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/chorus-labs/chorus/pkg/channel"
)

// Config holds Matrix transport configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "chorus"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Transport implements channel.Channel for Matrix.
type Transport struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64

	mu          sync.Mutex
	directRooms map[id.RoomID]bool

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix transport.
func New(cfg Config) *Transport {
	return &Transport{
		config:      cfg,
		directRooms: make(map[id.RoomID]bool),
		credFile:    filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "matrix" }

// SelfID returns the bot's full Matrix user id, available after Start.
func (t *Transport) SelfID() string {
	if t.client == nil {
		return ""
	}
	return string(t.client.UserID)
}

// Start connects to Matrix and begins listening for messages.
// Retries login with exponential backoff on failure. Blocks until ctx
// is cancelled.
func (t *Transport) Start(ctx context.Context, handler channel.MessageHandler) error {
	t.handler = handler
	t.startTime = time.Now().UnixMilli()

	os.MkdirAll(t.config.DataDir, 0o755)

	fullUserID := fmt.Sprintf("@%s:%s", t.config.UserID, t.config.ServerName)

	client, err := mautrix.NewClient(t.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	t.client = client

	// In-memory sync store; resyncs on restart, which is fine.
	client.Store = mautrix.NewMemorySyncStore()

	if err := t.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		t.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		t.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix transport ready, starting sync")

	// Sync loop with reconnection.
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry handles Matrix login with exponential backoff.
// Tries saved credentials first, then password login with retry.
func (t *Transport) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := t.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into matrix",
			"user", fullUserID,
			"homeserver", t.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: t.config.UserID,
			},
			Password:         t.config.Password,
			StoreCredentials: true,
		})

		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			t.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Send sends a message to a Matrix room and returns the event id.
func (t *Transport) Send(ctx context.Context, resp channel.Response) (string, error) {
	sent, err := t.client.SendText(ctx, id.RoomID(resp.ChannelID), resp.Content)
	if err != nil {
		slog.Error("matrix send failed", "room", resp.ChannelID, "len", len(resp.Content), "error", err)
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return string(sent.EventID), nil
}

// Edit replaces a previously sent message using an m.replace relation.
func (t *Transport) Edit(ctx context.Context, channelID, messageID, content string) error {
	_, err := t.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + content,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    content,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(messageID),
		},
	})
	if err != nil {
		return fmt.Errorf("matrix edit: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Matrix transport.
func (t *Transport) Stop() error {
	if t.client != nil {
		t.client.StopSync()
	}
	return nil
}

func (t *Transport) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == t.client.UserID {
		return
	}

	// Skip messages from before we started.
	if evt.Timestamp < t.startTime {
		return
	}

	if !t.isAllowed(evt.Sender) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" {
		return
	}

	slog.Debug("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msgContent.Body, 100),
	)

	msg := channel.Message{
		Source:       "matrix",
		ID:           string(evt.ID),
		ChannelID:    string(evt.RoomID),
		GuildID:      t.config.ServerName,
		AuthorID:     string(evt.Sender),
		AuthorName:   localpart(evt.Sender),
		Content:      msgContent.Body,
		MentionsSelf: t.mentionsSelf(msgContent),
		IsDM:         t.isDirect(evt.RoomID),
		Timestamp:    evt.Timestamp,
	}
	if msg.IsDM {
		msg.GuildID = ""
	}

	if msgContent.MsgType == event.MsgImage && msgContent.URL != "" {
		mime := ""
		if msgContent.Info != nil {
			mime = msgContent.Info.MimeType
		}
		msg.Attachments = []channel.Attachment{{
			URL:         string(msgContent.URL),
			ContentType: mime,
			Filename:    msgContent.Body,
		}}
	}

	if replyTo := msgContent.RelatesTo.GetReplyTo(); replyTo != "" {
		msg.Reference = t.resolveReply(ctx, evt.RoomID, replyTo)
	}

	t.handler(ctx, msg)
}

// resolveReply fetches the replied-to event so routing can tell whether
// the reply targets one of our own messages.
func (t *Transport) resolveReply(ctx context.Context, roomID id.RoomID, eventID id.EventID) *channel.Reference {
	ref := &channel.Reference{
		MessageID: string(eventID),
		ChannelID: string(roomID),
	}
	orig, err := t.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		slog.Debug("matrix reply lookup failed", "event", eventID, "error", err)
		return ref
	}
	ref.AuthorIsSelf = orig.Sender == t.client.UserID
	if err := orig.Content.ParseRaw(event.EventMessage); err == nil {
		if mc := orig.Content.AsMessage(); mc != nil {
			ref.Content = mc.Body
		}
	}
	return ref
}

func (t *Transport) onMemberEvent(ctx context.Context, evt *event.Event) {
	// Only handle invites for us.
	if evt.GetStateKey() != string(t.client.UserID) {
		return
	}

	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	if !t.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	if memberContent.IsDirect {
		t.mu.Lock()
		t.directRooms[evt.RoomID] = true
		t.mu.Unlock()
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender, "direct", memberContent.IsDirect)
	if _, err := t.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (t *Transport) mentionsSelf(mc *event.MessageEventContent) bool {
	if mc.Mentions != nil {
		for _, uid := range mc.Mentions.UserIDs {
			if uid == t.client.UserID {
				return true
			}
		}
	}
	return strings.Contains(mc.Body, string(t.client.UserID))
}

func (t *Transport) isDirect(roomID id.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directRooms[roomID]
}

func (t *Transport) loadCredentials() error {
	data, err := os.ReadFile(t.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	t.client.AccessToken = creds.AccessToken
	t.client.UserID = id.UserID(creds.UserID)
	t.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (t *Transport) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(t.credFile, data, 0o600)
}

func (t *Transport) isAllowed(sender id.UserID) bool {
	if len(t.config.AllowedUsers) == 0 || t.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range t.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

func localpart(uid id.UserID) string {
	s := strings.TrimPrefix(string(uid), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

var _ channel.Channel = (*Transport)(nil)
