// Package router implements the catch-all routing classifier: given a
// message with no explicit trigger, it decides which persona answers.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chorus-labs/chorus/internal/llm"
	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/pkg/channel"
)

// Completer is the completion surface for classification calls.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Contexter supplies a few lines of recent conversation for the
// classification prompt.
type Contexter interface {
	GetContext(channelID, guildID string, limit int, excludeID string) []llm.Message
}

// KeywordOverride forces a persona when any of its keywords appear in
// the message, regardless of the model's literal answer.
type KeywordOverride struct {
	Persona  string   `json:"persona"`
	Keywords []string `json:"keywords"`
}

// Config tunes the classifier.
type Config struct {
	// Model is the lightweight backend used for classification.
	Model string

	// DefaultPersona receives everything that cannot be classified, and
	// absorbs loop-guard overflow. Falls back to the first registered
	// persona when unset.
	DefaultPersona string

	// Overrides are the keyword families, consulted when name matching
	// fails.
	Overrides []KeywordOverride

	// RepeatThreshold is how many consecutive identical classifications
	// are allowed before the loop guard forces the default.
	RepeatThreshold int

	// Timeout bounds each classification call.
	Timeout time.Duration

	// ContextLines is how many recent turns are embedded in the prompt.
	ContextLines int
}

// Classifier picks personas via a vision shortcut, a low-temperature
// model call, and a normalization chain. Never fails: every path ends
// at a persona.
type Classifier struct {
	registry  *persona.Registry
	completer Completer
	contexter Contexter
	cfg       Config

	mu     sync.Mutex
	recent map[string][]string // channelID → recent classifier outputs
}

// New creates a classifier. contexter may be nil.
func New(reg *persona.Registry, completer Completer, contexter Contexter, cfg Config) *Classifier {
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = 6
	}
	return &Classifier{
		registry:  reg,
		completer: completer,
		contexter: contexter,
		cfg:       cfg,
		recent:    make(map[string][]string),
	}
}

// Classify decides which persona should answer msg. It never raises:
// classification failures degrade to the default persona.
func (c *Classifier) Classify(ctx context.Context, msg channel.Message) persona.Persona {
	// Deterministic shortcut: images go straight to the vision persona.
	if msg.HasImage() {
		if p, ok := c.registry.VisionPersona(); ok {
			return p
		}
	}

	p := c.classifyByModel(ctx, msg)
	p = c.applyLoopGuard(msg.ChannelID, p)
	return p
}

func (c *Classifier) classifyByModel(ctx context.Context, msg channel.Message) persona.Persona {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
		Model:       c.cfg.Model,
		Temperature: 0.1,
		MaxTokens:   20,
		System:      c.classificationPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: c.classificationInput(msg)},
		},
	})
	if err != nil {
		slog.Warn("classification call failed, using default persona",
			"channel", msg.ChannelID, "error", err)
		return c.defaultPersona()
	}

	if p, ok := c.registry.Resolve(resp.Content); ok {
		return p
	}
	if p, ok := c.keywordOverride(msg.Content); ok {
		return p
	}
	slog.Debug("unresolvable classification answer",
		"channel", msg.ChannelID, "raw", resp.Content)
	return c.defaultPersona()
}

func (c *Classifier) classificationPrompt() string {
	names := make([]string, 0, 8)
	for _, p := range c.registry.List() {
		names = append(names, p.Name)
	}
	return fmt.Sprintf(
		"You route chat messages to one of these assistants: %s. "+
			"Reply with exactly one assistant name and nothing else.",
		strings.Join(names, ", "))
}

func (c *Classifier) classificationInput(msg channel.Message) string {
	var b strings.Builder
	if c.contexter != nil {
		for _, m := range c.contexter.GetContext(msg.ChannelID, msg.GuildID, c.cfg.ContextLines, msg.ID) {
			if m.Role == "system" {
				continue
			}
			line := m.Content
			if len(line) > 200 {
				line = line[:200]
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, line)
		}
	}
	fmt.Fprintf(&b, "message: %s", msg.Content)
	return b.String()
}

// keywordOverride consults the configured keyword families.
func (c *Classifier) keywordOverride(text string) (persona.Persona, bool) {
	lower := strings.ToLower(text)
	for _, o := range c.cfg.Overrides {
		for _, kw := range o.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				if p, ok := c.registry.Get(o.Persona); ok {
					return p, true
				}
			}
		}
	}
	return persona.Persona{}, false
}

// applyLoopGuard records the classification and forces the default when
// the same persona would answer more than RepeatThreshold consecutive
// messages in one channel.
func (c *Classifier) applyLoopGuard(channelID string, p persona.Persona) persona.Persona {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist := c.recent[channelID]
	run := 0
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i] != p.Name {
			break
		}
		run++
	}

	hist = append(hist, p.Name)
	if len(hist) > 8 {
		hist = hist[len(hist)-8:]
	}
	c.recent[channelID] = hist

	if run >= c.cfg.RepeatThreshold {
		deflt := c.defaultPersona()
		if deflt.Name != p.Name {
			slog.Info("loop guard forced default persona",
				"channel", channelID, "repeated", p.Name, "forced", deflt.Name)
			return deflt
		}
	}
	return p
}

func (c *Classifier) defaultPersona() persona.Persona {
	if p, ok := c.registry.Get(c.cfg.DefaultPersona); ok {
		return p
	}
	list := c.registry.List()
	if len(list) > 0 {
		return list[0]
	}
	return persona.Persona{}
}
