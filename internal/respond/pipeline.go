// Package respond turns one dispatched message into a delivered,
// persisted persona reply: prompt assembly, streaming, chunked
// delivery, and the fallback chain.
package respond

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chorus-labs/chorus/internal/llm"
	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/internal/sentiment"
	"github.com/chorus-labs/chorus/pkg/channel"
	"github.com/chorus-labs/chorus/pkg/events"
	"github.com/chorus-labs/chorus/pkg/store"
)

// Completion is the completion service surface: blocking and streaming.
// *llm.Router satisfies it.
type Completion interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan string, <-chan error)
}

// Memory is the context-manager surface the pipeline needs.
type Memory interface {
	GetContext(channelID, guildID string, limit int, excludeID string) []llm.Message
	AppendMessage(msg store.Message) error
	RecordExchange(cs store.ChannelState)
	MaybeSummarize(ctx context.Context, channelID string)
}

// Overrides resolves per-channel persona prompt overrides.
type Overrides interface {
	GetPromptOverride(guildID, channelID, persona string) (string, error)
}

// Recall supplies semantically similar past messages, when configured.
type Recall interface {
	RecallSimilar(ctx context.Context, channelID, query string, limit int) ([]string, error)
}

// Config tunes the pipeline.
type Config struct {
	SoftLimit int
	HardLimit int

	// MaxAttempts bounds rate-limit retries per model (primary and
	// fallback each get their own budget).
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Timeout is the overall ceiling for one exchange.
	Timeout time.Duration

	// ServerName and Timezone feed prompt variable substitution.
	ServerName string
	Timezone   string

	// RecallLimit is how many semantically similar past lines are
	// appended to the system prompt when recall is configured.
	RecallLimit int
}

func (c *Config) applyDefaults() {
	if c.SoftLimit <= 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.HardLimit <= 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = 3
	}
}

// Pipeline produces and delivers persona replies.
type Pipeline struct {
	completion Completion
	memory     Memory
	out        channel.Channel
	overrides  Overrides
	recall     Recall
	bus        *events.Bus
	cfg        Config

	sleep func(context.Context, time.Duration) error // test hook
}

// New creates a response pipeline. overrides, recall, and bus may be nil.
func New(completion Completion, mem Memory, out channel.Channel, overrides Overrides, recall Recall, bus *events.Bus, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		completion: completion,
		memory:     mem,
		out:        out,
		overrides:  overrides,
		recall:     recall,
		bus:        bus,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// Respond runs the full pipeline for one dispatched message. The error
// boundary lives in the dispatcher: a non-nil return becomes a single
// in-channel error notice there.
func (p *Pipeline) Respond(ctx context.Context, msg channel.Message, pa persona.Persona) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// Persist the triggering turn first; failures degrade, never block.
	_ = p.memory.AppendMessage(store.Message{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		UserID:    msg.AuthorID,
		Content:   msg.Content,
		Emotion:   sentiment.Classify(msg.Content),
		CreatedAt: msgTime(msg),
	})

	req := llm.CompletionRequest{
		Model:       pa.Model,
		Temperature: pa.Temperature,
		MaxTokens:   pa.MaxTokens,
		System:      p.systemPrompt(ctx, msg, pa),
		Messages: append(
			p.memory.GetContext(msg.ChannelID, msg.GuildID, 0, msg.ID),
			llm.Message{Role: "user", Content: userContent(msg)},
		),
	}

	full, sentIDs, err := p.generateWithFallback(ctx, msg, pa, req)
	if err != nil {
		return err
	}

	// Persist the assistant turn tagged with the persona. A write
	// failure here means "delivered but not remembered".
	respID := msg.ID + ":resp"
	if len(sentIDs) > 0 {
		respID = sentIDs[0]
	}
	_ = p.memory.AppendMessage(store.Message{
		ID:          respID,
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		UserID:      p.out.SelfID(),
		Content:     full,
		IsAssistant: true,
		Persona:     pa.Name,
		CreatedAt:   time.Now().UTC(),
	})

	// Overwrite the channel's rolling snapshot with this exchange.
	p.memory.RecordExchange(store.ChannelState{
		ChannelID:      msg.ChannelID,
		GuildID:        msg.GuildID,
		LastMessageID:  msg.ID,
		LastResponseID: respID,
		LastHuman:      msg.Content,
		LastAssistant:  full,
	})

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type: events.EventResponse, Channel: msg.ChannelID, Persona: pa.Name,
			Message: fmt.Sprintf("%d chars in %d messages", len(full), len(sentIDs)),
		})
	}

	go p.memory.MaybeSummarize(context.WithoutCancel(ctx), msg.ChannelID)
	return nil
}

// generateWithFallback runs the primary model with rate-limit backoff,
// then the fallback model once for non-transient failures or exhausted
// retries. Returns the full response text and the sent message ids.
func (p *Pipeline) generateWithFallback(ctx context.Context, msg channel.Message, pa persona.Persona, req llm.CompletionRequest) (string, []string, error) {
	full, ids, delivered, err := p.generate(ctx, msg, pa, req)
	if err == nil || delivered {
		// Partial output already reached the channel: flushing happened
		// in generate, switching models now would splice two answers.
		if err != nil {
			slog.Warn("stream failed after partial delivery",
				"channel", msg.ChannelID, "persona", pa.Name, "error", err)
		}
		return full, ids, nil
	}

	if pa.FallbackModel == "" || pa.FallbackModel == pa.Model {
		return "", nil, err
	}
	slog.Warn("primary model failed, trying fallback",
		"channel", msg.ChannelID, "persona", pa.Name,
		"primary", pa.Model, "fallback", pa.FallbackModel, "error", err)

	req.Model = pa.FallbackModel
	full, ids, _, fbErr := p.generate(ctx, msg, pa, req)
	if fbErr != nil {
		return "", nil, fmt.Errorf("primary: %w (fallback %s also failed: %v)", err, pa.FallbackModel, fbErr)
	}
	return full, ids, nil
}

// generate streams one model's answer into the channel, retrying
// transient errors with exponential backoff as long as nothing was
// delivered yet. delivered reports whether any chunk reached the
// channel.
func (p *Pipeline) generate(ctx context.Context, msg channel.Message, pa persona.Persona, req llm.CompletionRequest) (full string, sentIDs []string, delivered bool, err error) {
	backoff := p.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		full, sentIDs, err = p.streamOnce(ctx, msg, pa, req)
		delivered = len(sentIDs) > 0
		if err == nil || delivered {
			return full, sentIDs, delivered, err
		}
		if !llm.IsTransient(err) || attempt >= p.cfg.MaxAttempts {
			return "", nil, false, err
		}

		wait := backoff
		if ra := llm.RetryAfter(err); ra > wait {
			wait = ra
		}
		if wait > p.cfg.BackoffCap {
			wait = p.cfg.BackoffCap
		}
		slog.Info("transient model error, backing off",
			"channel", msg.ChannelID, "model", req.Model,
			"attempt", attempt, "wait", wait, "error", err)
		if serr := p.sleep(ctx, wait); serr != nil {
			return "", nil, false, err
		}
		backoff *= 2
	}
}

// streamOnce runs a single streaming completion, chunking fragments out
// to the channel as they complete. The persona prefix rides on the
// first outgoing message so replies can be attributed.
func (p *Pipeline) streamOnce(ctx context.Context, msg channel.Message, pa persona.Persona, req llm.CompletionRequest) (string, []string, error) {
	prefix := persona.ResponsePrefix(pa.Name)
	// The prefix shares the first message's size budget.
	chunker := NewChunker(p.cfg.SoftLimit-len(prefix), p.cfg.HardLimit-len(prefix))

	var b strings.Builder
	var sentIDs []string

	send := func(chunk string) error {
		content := chunk
		if len(sentIDs) == 0 {
			content = prefix + chunk
		}
		id, err := p.out.Send(ctx, channel.Response{ChannelID: msg.ChannelID, Content: content})
		if err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		sentIDs = append(sentIDs, id)
		return nil
	}

	chunks, errs := p.completion.Stream(ctx, req)
	for fragment := range chunks {
		b.WriteString(fragment)
		for _, chunk := range chunker.Add(fragment) {
			if err := send(chunk); err != nil {
				return b.String(), sentIDs, err
			}
		}
	}
	if err := <-errs; err != nil {
		// Flush whatever was buffered when output already started, so
		// the user is not left mid-sentence.
		if len(sentIDs) > 0 {
			for _, chunk := range chunker.Flush() {
				if serr := send(chunk); serr != nil {
					break
				}
			}
		}
		return b.String(), sentIDs, err
	}

	for _, chunk := range chunker.Flush() {
		if err := send(chunk); err != nil {
			return b.String(), sentIDs, err
		}
	}
	return b.String(), sentIDs, nil
}

// systemPrompt renders the persona template with substitutions and the
// admin override when one is set, then appends semantic recall context
// when available.
func (p *Pipeline) systemPrompt(ctx context.Context, msg channel.Message, pa persona.Persona) string {
	var override string
	if p.overrides != nil {
		guild := msg.GuildID
		if guild == "" {
			guild = "dm"
		}
		var err error
		override, err = p.overrides.GetPromptOverride(guild, msg.ChannelID, pa.Name)
		if err != nil {
			slog.Warn("prompt override read failed", "channel", msg.ChannelID, "error", err)
		}
	}

	now := time.Now()
	prompt := pa.RenderPrompt(persona.Vars{
		Model:    pa.Model,
		Username: msg.AuthorName,
		UserID:   msg.AuthorID,
		Time:     now.Format("Mon 15:04"),
		Timezone: p.cfg.Timezone,
		Server:   p.cfg.ServerName,
		Channel:  msg.ChannelID,
	}, override)

	if p.recall != nil {
		recallCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		if lines, err := p.recall.RecallSimilar(recallCtx, msg.ChannelID, msg.Content, p.cfg.RecallLimit); err == nil && len(lines) > 0 {
			prompt += "\n\nPossibly relevant earlier messages:\n- " + strings.Join(lines, "\n- ")
		}
	}
	return prompt
}

// userContent inlines attachment descriptions into the message text.
// User mentions arrive already resolved by the transport.
func userContent(msg channel.Message) string {
	if len(msg.Attachments) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "\n[attachment: %s %s]", a.Filename, a.URL)
	}
	return b.String()
}

func msgTime(msg channel.Message) time.Time {
	if msg.Timestamp > 0 {
		return time.UnixMilli(msg.Timestamp).UTC()
	}
	return time.Now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
