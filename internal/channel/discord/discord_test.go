package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chorus-labs/chorus/pkg/channel"
)

type sentMessage struct {
	channelID string
	content   string
}

type editedMessage struct {
	channelID string
	messageID string
	content   string
}

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	sendErr     error
	sent        []sentMessage
	edited      []editedMessage
	handlers    []interface{}
	removeCount int
	nextID      int
}

func newMockSession() *mockSession { return &mockSession{} }

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	m.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("sent-%d", m.nextID)}, nil
}

func (m *mockSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edited = append(m.edited, editedMessage{channelID: channelID, messageID: messageID, content: content})
	return &discordgo.Message{ID: messageID}, nil
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

// messageCreateHandler finds the registered MessageCreate handler.
func (m *mockSession) messageCreateHandler(t *testing.T) func(*discordgo.Session, *discordgo.MessageCreate) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return fn
		}
	}
	t.Fatal("no MessageCreate handler registered")
	return nil
}

func newTestTransport(t *testing.T) (*Transport, *mockSession) {
	t.Helper()
	sess := newMockSession()
	tr, err := New(Opts{Session: sess})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	tr.selfID = "BOT_USER_ID"
	tr.baseBackoff = time.Millisecond
	tr.maxBackoff = 10 * time.Millisecond
	return tr, sess
}

// startTransport runs Start in the background and returns the inbound
// messages it delivers plus the cancel that stops it.
func startTransport(t *testing.T, tr *Transport, sess *mockSession) (<-chan channel.Message, context.CancelFunc) {
	t.Helper()
	inbound := make(chan channel.Message, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Start(ctx, func(_ context.Context, msg channel.Message) {
			inbound <- msg
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("transport did not stop")
		}
	})

	deadline := time.Now().Add(time.Second)
	for {
		sess.mu.Lock()
		opened := sess.opened
		sess.mu.Unlock()
		if opened {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never opened")
		}
		time.Sleep(time.Millisecond)
	}
	return inbound, cancel
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Opts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestStartDeliversMessages(t *testing.T) {
	tr, sess := newTestTransport(t)
	inbound, _ := startTransport(t, tr, sess)

	handle := sess.messageCreateHandler(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	handle(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "123456789012345678",
			ChannelID: "C1",
			GuildID:   "G1",
			Content:   "hello",
			Author:    &discordgo.User{ID: "U_ALICE", Username: "alice", GlobalName: "Alice"},
			Timestamp: ts,
		},
	})

	select {
	case msg := <-inbound:
		if msg.Source != "discord" {
			t.Errorf("source = %q, want discord", msg.Source)
		}
		if msg.ID != "123456789012345678" {
			t.Errorf("id = %q", msg.ID)
		}
		if msg.ChannelID != "C1" || msg.GuildID != "G1" {
			t.Errorf("channel = %q guild = %q", msg.ChannelID, msg.GuildID)
		}
		if msg.AuthorName != "Alice" {
			t.Errorf("author name = %q, want Alice", msg.AuthorName)
		}
		if msg.IsDM {
			t.Error("guild message flagged as DM")
		}
		if msg.Timestamp != ts.UnixMilli() {
			t.Errorf("timestamp = %d, want %d", msg.Timestamp, ts.UnixMilli())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
}

func TestStartSkipsNilAuthor(t *testing.T) {
	tr, sess := newTestTransport(t)
	inbound, _ := startTransport(t, tr, sess)

	handle := sess.messageCreateHandler(t)
	handle(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "1", ChannelID: "C1", Content: "no author"},
	})
	handle(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "2", ChannelID: "C1", Content: "real",
			Author: &discordgo.User{ID: "U1", Username: "alice"},
		},
	})

	select {
	case msg := <-inbound:
		if msg.Content != "real" {
			t.Errorf("expected real message, got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestToMessageResolvesMentions(t *testing.T) {
	tr, _ := newTestTransport(t)

	msg, ok := tr.toMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "1",
			ChannelID: "C1",
			GuildID:   "G1",
			Content:   "<@BOT_USER_ID> ask <@!U_BOB> about it",
			Author:    &discordgo.User{ID: "U_ALICE", Username: "alice"},
			Mentions: []*discordgo.User{
				{ID: "BOT_USER_ID", Username: "chorus"},
				{ID: "U_BOB", Username: "bob", GlobalName: "Bob"},
			},
		},
	})
	if !ok {
		t.Fatal("message dropped")
	}
	if !msg.MentionsSelf {
		t.Error("expected MentionsSelf")
	}
	if msg.Content != "@chorus ask @Bob about it" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestToMessageDM(t *testing.T) {
	tr, _ := newTestTransport(t)

	msg, ok := tr.toMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "1",
			ChannelID: "D1",
			Content:   "hi",
			Author:    &discordgo.User{ID: "U1", Username: "alice"},
		},
	})
	if !ok {
		t.Fatal("message dropped")
	}
	if !msg.IsDM {
		t.Error("empty guild id should mark message as DM")
	}
}

func TestToMessageReferenceAndAttachments(t *testing.T) {
	tr, _ := newTestTransport(t)

	msg, ok := tr.toMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "2",
			ChannelID: "C1",
			GuildID:   "G1",
			Content:   "look at this",
			Author:    &discordgo.User{ID: "U1", Username: "alice"},
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example/cat.png", ContentType: "image/png", Filename: "cat.png"},
			},
			ReferencedMessage: &discordgo.Message{
				ID:        "1",
				ChannelID: "C1",
				Content:   "**Sage:** earlier reply",
				Author:    &discordgo.User{ID: "BOT_USER_ID", Username: "chorus"},
			},
		},
	})
	if !ok {
		t.Fatal("message dropped")
	}
	if !msg.HasImage() {
		t.Error("expected image attachment")
	}
	if msg.Reference == nil {
		t.Fatal("expected reference")
	}
	if !msg.Reference.AuthorIsSelf {
		t.Error("reply to bot message should set AuthorIsSelf")
	}
	if msg.Reference.Content != "**Sage:** earlier reply" {
		t.Errorf("reference content = %q", msg.Reference.Content)
	}
}

func TestToMessagePrefersMemberNick(t *testing.T) {
	tr, _ := newTestTransport(t)

	msg, _ := tr.toMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "1",
			ChannelID: "C1",
			GuildID:   "G1",
			Content:   "hi",
			Author:    &discordgo.User{ID: "U1", Username: "alice", GlobalName: "Alice"},
			Member:    &discordgo.Member{Nick: "Al"},
		},
	})
	if msg.AuthorName != "Al" {
		t.Errorf("author name = %q, want Al", msg.AuthorName)
	}
}

func TestSendReturnsMessageID(t *testing.T) {
	tr, sess := newTestTransport(t)

	id, err := tr.Send(context.Background(), channel.Response{ChannelID: "C1", Content: "hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Error("expected sent message id")
	}
	if sess.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", sess.sentCount())
	}
	last := sess.lastSent()
	if last.channelID != "C1" || last.content != "hello world" {
		t.Errorf("sent = %+v", last)
	}
}

func TestSendNoChannel(t *testing.T) {
	tr, _ := newTestTransport(t)

	_, err := tr.Send(context.Background(), channel.Response{Content: "no target"})
	if err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestEdit(t *testing.T) {
	tr, sess := newTestTransport(t)

	if err := tr.Edit(context.Background(), "C1", "M1", "fixed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.edited) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(sess.edited))
	}
	if sess.edited[0].messageID != "M1" || sess.edited[0].content != "fixed" {
		t.Errorf("edit = %+v", sess.edited[0])
	}
}

func TestStopClosesSessionAndRemovesHandlers(t *testing.T) {
	tr, sess := newTestTransport(t)
	_, cancel := startTransport(t, tr, sess)
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		sess.mu.Lock()
		closed := sess.closeCalled
		removed := sess.removeCount
		sess.mu.Unlock()
		if closed {
			if removed != 4 {
				t.Errorf("expected 4 handlers removed, got %d", removed)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session never closed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRetryOnRateLimitRetriesAndSucceeds(t *testing.T) {
	tr, _ := newTestTransport(t)

	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimitNonRateLimitError(t *testing.T) {
	tr, _ := newTestTransport(t)

	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimitExhaustsRetries(t *testing.T) {
	tr, _ := newTestTransport(t)

	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimitRespectsContext(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.baseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := tr.retryOnRateLimit(ctx, func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}

var _ channel.Channel = (*Transport)(nil)
