// Package dispatch is the heart of Chorus: it sees every inbound
// message exactly once, decides which persona (if any) should respond,
// and hands the message to that persona's response pipeline.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/pkg/channel"
	"github.com/chorus-labs/chorus/pkg/events"
	"github.com/chorus-labs/chorus/pkg/store"
)

// DMGuildKey is the guild slot used for direct-message channels.
const DMGuildKey = "dm"

// Classifier picks a persona when no explicit trigger matched (the
// catch-all route).
type Classifier interface {
	Classify(ctx context.Context, msg channel.Message) persona.Persona
}

// Responder runs a persona's response pipeline for one message.
type Responder interface {
	Respond(ctx context.Context, msg channel.Message, p persona.Persona) error
}

// Sender delivers the one-line error notice when a pipeline fails.
type Sender interface {
	Send(ctx context.Context, resp channel.Response) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	// SelfID reports the bot's own user id; its messages are always
	// ignored. A func rather than a value because transports only learn
	// their id after connecting.
	SelfID func() string

	// AllowBotKeywords lets bot-authored messages through when any
	// keyword appears (case-insensitive substring). Empty list means
	// bot messages are always ignored. Used for relay/webhook bridges.
	AllowBotKeywords []string

	// MentionKeywords route to the catch-all persona like an explicit
	// mention would (e.g., the bot's name as plain text).
	MentionKeywords []string

	// ErrorNotice is the in-channel message shown when a pipeline fails.
	ErrorNotice string
}

// routeKind says how the persona for a dispatch was (or will be) chosen.
type routeKind int

const (
	routeNone     routeKind = iota
	routeClassify           // run the classifier (activated/DM/mention)
	routePersona            // persona already known (reply or trigger)
)

type route struct {
	kind    routeKind
	persona persona.Persona
	reason  string
}

// Dispatcher holds dedup state and the activated-channel mirror, and
// applies the dispatch decision order to every inbound message.
type Dispatcher struct {
	registry   *persona.Registry
	classifier Classifier
	responder  Responder
	sender     Sender
	dedup      *Dedup
	store      *store.Store
	bus        *events.Bus
	cfg        Config

	mu        sync.Mutex
	activated map[store.ChannelKey]bool

	wg sync.WaitGroup
}

// New creates a dispatcher, loading the activated-channel set from the
// store. bus may be nil.
func New(reg *persona.Registry, cl Classifier, rp Responder, snd Sender,
	dd *Dedup, s *store.Store, bus *events.Bus, cfg Config) (*Dispatcher, error) {

	if cfg.ErrorNotice == "" {
		cfg.ErrorNotice = "Sorry, something went wrong while answering that."
	}
	d := &Dispatcher{
		registry:   reg,
		classifier: cl,
		responder:  rp,
		sender:     snd,
		dedup:      dd,
		store:      s,
		bus:        bus,
		cfg:        cfg,
		activated:  make(map[store.ChannelKey]bool),
	}
	if s != nil {
		keys, err := s.LoadActivated()
		if err != nil {
			return nil, fmt.Errorf("load activated channels: %w", err)
		}
		for _, k := range keys {
			d.activated[k] = true
		}
		ids, err := s.LoadHandled(dd.cap)
		if err != nil {
			return nil, fmt.Errorf("load handled markers: %w", err)
		}
		dd.Preload(ids)
		slog.Info("dispatcher state recovered",
			"activated_channels", len(keys), "dedup_markers", len(ids))
	}
	return d, nil
}

// OnInbound applies the dispatch decision to one message. Called from
// the transport in arrival order; the response pipeline itself runs in
// its own goroutine so a long generation never blocks dispatch.
func (d *Dispatcher) OnInbound(ctx context.Context, msg channel.Message) {
	if d.cfg.SelfID != nil {
		if self := d.cfg.SelfID(); self != "" && msg.AuthorID == self {
			return
		}
	}
	if msg.AuthorIsBot && !d.botAllowed(msg.Content) {
		return
	}

	// Cheap membership test first so duplicates never reach a decision.
	if d.dedup.Seen(msg.ID) {
		slog.Debug("duplicate message ignored", "message", msg.ID)
		return
	}

	r := d.decide(msg)
	if r.kind == routeNone {
		return
	}

	// Atomic check-and-mark: preserves arrival order per channel, and a
	// racing duplicate resolves to exactly one dispatch.
	if d.dedup.CheckAndMark(msg.ID) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, msg, r)
	}()
}

// Wait blocks until all in-flight pipelines finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// decide applies the dispatch decision order. Dedup was already checked.
func (d *Dispatcher) decide(msg channel.Message) route {
	if d.IsActivated(guildKey(msg), msg.ChannelID) {
		return route{kind: routeClassify, reason: "activated"}
	}
	if msg.IsDM {
		return route{kind: routeClassify, reason: "dm"}
	}

	// Reply to one of our personas: re-use that persona.
	if ref := msg.Reference; ref != nil && ref.AuthorIsSelf {
		if name, ok := persona.FromResponsePrefix(ref.Content); ok {
			if p, found := d.registry.Get(name); found {
				return route{kind: routePersona, persona: p, reason: "reply"}
			}
		}
		// Reply to us without an attributable prefix: classify.
		return route{kind: routeClassify, reason: "reply"}
	}

	if msg.MentionsSelf || d.mentionKeyword(msg.Content) {
		return route{kind: routeClassify, reason: "mention"}
	}

	if p, ok := d.registry.MatchTrigger(msg.Content); ok {
		return route{kind: routePersona, persona: p, reason: "trigger"}
	}

	return route{kind: routeNone}
}

// run resolves the persona (classifying when needed) and executes the
// response pipeline behind the error boundary.
func (d *Dispatcher) run(ctx context.Context, msg channel.Message, r route) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("response pipeline panicked",
				"message", msg.ID, "channel", msg.ChannelID, "panic", rec)
			d.notifyFailure(ctx, msg)
		}
	}()

	p := r.persona
	if r.kind == routeClassify {
		// Classification never raises; it falls back internally.
		p = d.classifier.Classify(ctx, msg)
	}

	slog.Info("dispatching message",
		"message", msg.ID, "channel", msg.ChannelID,
		"persona", p.Name, "reason", r.reason)
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type: events.EventDispatch, Channel: msg.ChannelID,
			Persona: p.Name, Message: r.reason,
		})
	}

	if err := d.responder.Respond(ctx, msg, p); err != nil {
		// Caught here so one bad pipeline never crashes the dispatch
		// loop. The dedup marker stays recorded: no retry storms.
		slog.Error("response pipeline failed",
			"message", msg.ID, "channel", msg.ChannelID,
			"persona", p.Name, "error", err)
		d.notifyFailure(ctx, msg)
	}
}

func (d *Dispatcher) notifyFailure(ctx context.Context, msg channel.Message) {
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type: events.EventError, Channel: msg.ChannelID, Level: "error",
			Message: "response pipeline failed",
		})
	}
	if d.sender == nil {
		return
	}
	if _, err := d.sender.Send(ctx, channel.Response{
		ChannelID: msg.ChannelID,
		Content:   d.cfg.ErrorNotice,
	}); err != nil {
		slog.Warn("failed to deliver error notice", "channel", msg.ChannelID, "error", err)
	}
}

func (d *Dispatcher) botAllowed(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range d.cfg.AllowBotKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) mentionKeyword(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range d.cfg.MentionKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// --- Activated channels ---

// IsActivated reports whether a channel is in respond-to-everything mode.
func (d *Dispatcher) IsActivated(guildID, channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated[store.ChannelKey{GuildID: guildID, ChannelID: channelID}]
}

// SetActivated flips a channel's activation, mirroring it to the store.
func (d *Dispatcher) SetActivated(guildID, channelID string, on bool) error {
	if d.store != nil {
		if err := d.store.SetActivated(guildID, channelID, on); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := store.ChannelKey{GuildID: guildID, ChannelID: channelID}
	if on {
		d.activated[key] = true
	} else {
		delete(d.activated, key)
	}
	return nil
}

func guildKey(msg channel.Message) string {
	if msg.IsDM || msg.GuildID == "" {
		return DMGuildKey
	}
	return msg.GuildID
}
