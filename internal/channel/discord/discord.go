// Package discord implements the channel.Channel transport over the
// Discord Gateway WebSocket using discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chorus-labs/chorus/pkg/channel"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited API calls.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}

// Transport is the Discord implementation of channel.Channel.
type Transport struct {
	token string

	mu      sync.Mutex
	sess    session
	selfID  string
	started bool

	removeHandlers []func()

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord transport.
type Opts struct {
	// Token is the Discord bot token.
	Token string
	// Session injects a mock session for tests. Leave nil in production.
	Session session
}

// New creates a Discord transport.
func New(opts Opts) (*Transport, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Transport{
		token:       opts.Token,
		sess:        opts.Session,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Name implements channel.Channel.
func (t *Transport) Name() string { return "discord" }

// SelfID returns the bot's Discord user id, available after Start.
func (t *Transport) SelfID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfID
}

// Start opens the Gateway connection and delivers inbound messages to
// handler. Blocks until ctx is cancelled.
func (t *Transport) Start(ctx context.Context, handler channel.MessageHandler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("discord: already started")
	}
	if t.sess == nil {
		dg, err := discordgo.New("Bot " + t.token)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsMessageContent |
			discordgo.IntentsDirectMessages
		t.sess = &realSession{s: dg}
	}

	t.removeHandlers = append(t.removeHandlers, t.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		t.mu.Lock()
		t.selfID = r.User.ID
		t.mu.Unlock()
		slog.Info("discord connected", "username", r.User.Username, "user_id", r.User.ID)
	}))
	t.removeHandlers = append(t.removeHandlers, t.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		slog.Warn("discord gateway disconnected, awaiting auto-reconnect")
	}))
	t.removeHandlers = append(t.removeHandlers, t.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		slog.Info("discord gateway session resumed")
	}))
	t.removeHandlers = append(t.removeHandlers, t.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := t.toMessage(m)
		if !ok {
			return
		}
		handler(ctx, msg)
	}))
	t.started = true
	t.mu.Unlock()

	if err := t.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	<-ctx.Done()
	return t.Stop()
}

// Stop removes the event handlers and closes the Gateway connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	for _, remove := range t.removeHandlers {
		remove()
	}
	t.removeHandlers = nil
	if t.sess != nil {
		return t.sess.Close()
	}
	return nil
}

// Send delivers a message and returns the sent message id.
func (t *Transport) Send(ctx context.Context, resp channel.Response) (string, error) {
	if resp.ChannelID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}

	var sent *discordgo.Message
	err := t.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = t.sess.ChannelMessageSend(resp.ChannelID, resp.Content)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return sent.ID, nil
}

// Edit replaces the content of a previously sent message.
func (t *Transport) Edit(ctx context.Context, channelID, messageID, content string) error {
	err := t.retryOnRateLimit(ctx, func() error {
		_, editErr := t.sess.ChannelMessageEdit(channelID, messageID, content)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// toMessage converts a Gateway message event to a channel.Message.
func (t *Transport) toMessage(m *discordgo.MessageCreate) (channel.Message, bool) {
	if m.Author == nil {
		return channel.Message{}, false
	}

	t.mu.Lock()
	selfID := t.selfID
	t.mu.Unlock()

	mentionsSelf := false
	content := m.Content
	for _, u := range m.Mentions {
		if u.ID == selfID {
			mentionsSelf = true
		}
		name := u.Username
		if u.GlobalName != "" {
			name = u.GlobalName
		}
		content = strings.ReplaceAll(content, "<@"+u.ID+">", "@"+name)
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", "@"+name)
	}

	authorName := m.Author.Username
	if m.Author.GlobalName != "" {
		authorName = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		authorName = m.Member.Nick
	}

	var attachments []channel.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, channel.Attachment{
			URL:         a.URL,
			ContentType: a.ContentType,
			Filename:    a.Filename,
		})
	}

	var ref *channel.Reference
	if r := m.ReferencedMessage; r != nil && r.Author != nil {
		ref = &channel.Reference{
			MessageID:    r.ID,
			ChannelID:    r.ChannelID,
			AuthorIsSelf: r.Author.ID == selfID,
			Content:      r.Content,
		}
	}

	return channel.Message{
		Source:       "discord",
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		AuthorID:     m.Author.ID,
		AuthorName:   authorName,
		AuthorIsBot:  m.Author.Bot,
		Content:      content,
		MentionsSelf: mentionsSelf,
		IsDM:         m.GuildID == "",
		Attachments:  attachments,
		Reference:    ref,
		Timestamp:    m.Timestamp.UnixMilli(),
	}, true
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// Discord rate limit errors. Respects context cancellation.
func (t *Transport) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * t.baseBackoff
		if wait > t.maxBackoff {
			wait = t.maxBackoff
		}
		slog.Warn("discord rate limited", "attempt", attempt+1, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
