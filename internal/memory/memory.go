// Package memory assembles per-channel conversation context and decides
// when to compress history into a summary.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chorus-labs/chorus/internal/llm"
	"github.com/chorus-labs/chorus/pkg/events"
	"github.com/chorus-labs/chorus/pkg/store"
)

const summaryPrefix = "Previous conversation summary: "

// failedSummaryPrefix marks placeholder rows written when a window's
// summarization failed. They anchor the window (no retry storms) but are
// never injected into prompts.
const failedSummaryPrefix = "[summary unavailable: "

// Completer is the completion surface the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// SummaryRequest is the summarizer's input: plain content, decoupled
// from any platform message shape.
type SummaryRequest struct {
	Content string
}

// Config tunes the context manager.
type Config struct {
	// DefaultWindow is the message count used when a channel has no
	// override. MaxWindow caps both.
	DefaultWindow int
	MaxWindow     int

	// MaxContextChars bounds the serialized size of assembled context.
	MaxContextChars int

	// SummaryModel is the lightweight model used for summarization.
	SummaryModel string

	// SummaryInterval rate-limits summarization attempts per channel.
	SummaryInterval time.Duration

	// SpanThreshold is the unsummarized wall-clock span that triggers a
	// new summary.
	SpanThreshold time.Duration

	// SummaryTimeout bounds each summarization model call.
	SummaryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = 20
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 50
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = 24000
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = time.Hour
	}
	if c.SpanThreshold <= 0 {
		c.SpanThreshold = 24 * time.Hour
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 2 * time.Minute
	}
}

// Manager owns the message and summary tables.
type Manager struct {
	store     *store.Store
	completer Completer
	bus       *events.Bus
	cfg       Config

	// one summarization attempt per channel at a time
	locks sync.Map // channelID → *sync.Mutex

	attemptMu   sync.Mutex
	lastAttempt map[string]time.Time

	now func() time.Time // test hook
}

// NewManager creates a context manager. bus may be nil.
func NewManager(s *store.Store, completer Completer, bus *events.Bus, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:       s,
		completer:   completer,
		bus:         bus,
		cfg:         cfg,
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// GetContext returns the channel's recent turns, oldest first, as
// role-tagged messages. The most recent usable summary leads as a
// synthetic system message. limit is clamped to the configured maximum;
// limit <= 0 selects the channel's window (override or default). Store
// failures degrade to empty context.
func (m *Manager) GetContext(channelID, guildID string, limit int, excludeID string) []llm.Message {
	if limit <= 0 {
		limit = m.cfg.DefaultWindow
		if cs, err := m.store.GetChannelState(channelID, stateGuild(guildID)); err == nil && cs != nil && cs.ContextWindow > 0 {
			limit = cs.ContextWindow
		}
	}
	if limit > m.cfg.MaxWindow {
		limit = m.cfg.MaxWindow
	}

	var out []llm.Message
	budget := m.cfg.MaxContextChars

	if sum, err := m.store.LatestSummary(channelID); err != nil {
		slog.Warn("context: summary read failed", "channel", channelID, "error", err)
	} else if sum != nil && !sum.Failed {
		text := summaryPrefix + sum.Text
		if len(text) > budget {
			text = text[:budget]
		}
		out = append(out, llm.Message{Role: "system", Content: text})
		budget -= len(text)
	}

	msgs, err := m.store.RecentMessages(channelID, limit, excludeID)
	if err != nil || len(msgs) == 0 {
		if err != nil {
			slog.Warn("context: message read failed, degrading to snapshot",
				"channel", channelID, "error", err)
		}
		return append(out, m.snapshotContext(channelID, guildID, excludeID, budget)...)
	}

	// Fit newest-first into the remaining budget, then emit oldest-first.
	kept := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := len(msgs[i].Content) + 16 // rough per-message envelope
		if cost > budget {
			break
		}
		budget -= cost
		kept++
	}
	for _, msg := range msgs[len(msgs)-kept:] {
		role := "user"
		if msg.IsAssistant {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}

// snapshotContext rebuilds minimal context from the channel's rolling
// exchange snapshot when the message log is empty or unreadable.
func (m *Manager) snapshotContext(channelID, guildID, excludeID string, budget int) []llm.Message {
	cs, err := m.store.GetChannelState(channelID, stateGuild(guildID))
	if err != nil || cs == nil {
		return nil
	}
	if excludeID != "" && cs.LastMessageID == excludeID {
		return nil
	}
	var out []llm.Message
	if cs.LastHuman != "" && len(cs.LastHuman) <= budget {
		out = append(out, llm.Message{Role: "user", Content: cs.LastHuman})
		budget -= len(cs.LastHuman)
	}
	if cs.LastAssistant != "" && len(cs.LastAssistant) <= budget {
		out = append(out, llm.Message{Role: "assistant", Content: cs.LastAssistant})
	}
	return out
}

// RecordExchange overwrites the channel's rolling snapshot after a
// delivered exchange. Best-effort: the snapshot is a degraded-context
// fallback, so a lost update is harmless.
func (m *Manager) RecordExchange(cs store.ChannelState) {
	cs.GuildID = stateGuild(cs.GuildID)
	if err := m.store.PutChannelState(cs); err != nil {
		slog.Warn("context: snapshot write failed", "channel", cs.ChannelID, "error", err)
	}
}

// stateGuild maps direct messages onto the shared guild slot used for
// per-channel state.
func stateGuild(guildID string) string {
	if guildID == "" {
		return "dm"
	}
	return guildID
}

// AppendMessage persists a turn. Failures are logged and returned, never
// raised: a context-write failure must not block delivering a response.
func (m *Manager) AppendMessage(msg store.Message) error {
	if err := m.store.UpsertMessage(msg); err != nil {
		slog.Error("context: append failed, turn not remembered",
			"channel", msg.ChannelID, "message", msg.ID, "error", err)
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MaybeSummarize triggers a summarization attempt for the channel when
// due. Safe to call on every message: attempts are rate-limited per
// channel, and a second concurrent trigger for the same channel is a
// no-op.
func (m *Manager) MaybeSummarize(ctx context.Context, channelID string) {
	if !m.markAttempt(channelID) {
		return
	}

	mu := m.channelLock(channelID)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	m.summarizeWindow(ctx, channelID, false)
}

// ForceSummarize runs summarization now, bypassing the rate limit and
// span threshold. Used by the admin surface. Waits for any in-flight
// attempt on the channel.
func (m *Manager) ForceSummarize(ctx context.Context, channelID string) error {
	mu := m.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()
	return m.summarizeWindow(ctx, channelID, true)
}

// ClearSummaries deletes a channel's summaries, all or older than cutoff.
func (m *Manager) ClearSummaries(channelID string, before time.Time) (int64, error) {
	return m.store.DeleteSummaries(channelID, before)
}

func (m *Manager) channelLock(channelID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(channelID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// markAttempt records a summarization attempt, returning false when the
// channel attempted within the configured interval.
func (m *Manager) markAttempt(channelID string) bool {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	now := m.now()
	if last, ok := m.lastAttempt[channelID]; ok && now.Sub(last) < m.cfg.SummaryInterval {
		return false
	}
	m.lastAttempt[channelID] = now
	return true
}

func (m *Manager) summarizeWindow(ctx context.Context, channelID string, force bool) error {
	var after time.Time
	if sum, err := m.store.LatestSummary(channelID); err != nil {
		slog.Warn("summarize: summary read failed", "channel", channelID, "error", err)
		return fmt.Errorf("read latest summary: %w", err)
	} else if sum != nil {
		// Failed placeholder rows still anchor the window so a
		// persistently-failing span is not retried forever.
		after = sum.EndAt
	}

	first, last, ok, err := m.store.MessageTimeBounds(channelID, after)
	if err != nil {
		slog.Warn("summarize: bounds read failed", "channel", channelID, "error", err)
		return fmt.Errorf("message bounds: %w", err)
	}
	if !ok {
		return nil
	}
	if !force && last.Sub(first) < m.cfg.SpanThreshold {
		return nil
	}

	msgs, err := m.store.MessagesBetween(channelID, first, last)
	if err != nil || len(msgs) == 0 {
		if err != nil {
			slog.Warn("summarize: window read failed", "channel", channelID, "error", err)
		}
		return err
	}

	text, sumErr := m.Summarize(ctx, SummaryRequest{Content: renderTranscript(msgs)})
	failed := false
	if sumErr != nil {
		slog.Error("summarize: model call failed", "channel", channelID, "error", sumErr)
		text = failedSummaryPrefix + sumErr.Error() + "]"
		failed = true
	}

	if _, err := m.store.InsertSummary(store.Summary{
		ChannelID: channelID,
		StartAt:   first,
		EndAt:     last,
		Text:      text,
		Failed:    failed,
	}); err != nil {
		slog.Error("summarize: store failed", "channel", channelID, "error", err)
		return fmt.Errorf("store summary: %w", err)
	}

	if m.bus != nil {
		level := "info"
		if failed {
			level = "warn"
		}
		m.bus.Publish(events.Event{
			Type: events.EventSummary, Channel: channelID, Level: level,
			Message: fmt.Sprintf("summarized window %s..%s", first.Format(time.RFC3339), last.Format(time.RFC3339)),
		})
	}
	slog.Info("channel summarized", "channel", channelID,
		"window_start", first, "window_end", last, "failed", failed)
	return sumErr
}

// Summarize produces a short summary of the given content using the
// lightweight summary model.
func (m *Manager) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SummaryTimeout)
	defer cancel()

	resp, err := m.completer.Complete(ctx, llm.CompletionRequest{
		Model:       m.cfg.SummaryModel,
		Temperature: 0.2,
		MaxTokens:   300,
		System:      "Summarize the conversation in at most 3 sentences. Reply with the summary only.",
		Messages:    []llm.Message{{Role: "user", Content: req.Content}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func renderTranscript(msgs []store.Message) string {
	var b []byte
	for _, msg := range msgs {
		who := msg.UserID
		if msg.IsAssistant {
			who = msg.Persona
			if who == "" {
				who = "assistant"
			}
		}
		b = append(b, who...)
		b = append(b, ": "...)
		b = append(b, msg.Content...)
		b = append(b, '\n')
	}
	return string(b)
}
