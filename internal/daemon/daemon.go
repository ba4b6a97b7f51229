// Package daemon wires the Chorus bot together — store, providers,
// classifier, memory, pipeline, dispatcher, transport — and runs the
// event loop.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chorus-labs/chorus/internal/channel/discord"
	"github.com/chorus-labs/chorus/internal/channel/matrix"
	"github.com/chorus-labs/chorus/internal/dispatch"
	"github.com/chorus-labs/chorus/internal/llm"
	"github.com/chorus-labs/chorus/internal/memory"
	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/internal/respond"
	"github.com/chorus-labs/chorus/internal/router"
	"github.com/chorus-labs/chorus/pkg/channel"
	"github.com/chorus-labs/chorus/pkg/embeddings"
	"github.com/chorus-labs/chorus/pkg/events"
	"github.com/chorus-labs/chorus/pkg/store"
)

// Bot is the main Chorus process.
type Bot struct {
	config    *Config
	store     *store.Store
	bus       *events.Bus
	registry  *persona.Registry
	providers *llm.Router
	memory    *memory.Manager
	transport channel.Channel
	pipeline  *respond.Pipeline
	dedup     *dispatch.Dedup
	disp      *dispatch.Dispatcher
	recall    *lazyRecall

	// Semantic recall backends (optional, may connect late)
	embedMu    sync.RWMutex
	embedStore *embeddings.Store
	teiClient  *embeddings.TEIClient

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a bot instance. The store is opened by the caller so the
// caller controls its lifetime.
func New(s *store.Store, cfg *Config) (*Bot, error) {
	b := &Bot{
		config:    cfg,
		store:     s,
		bus:       events.NewBus(),
		startedAt: time.Now(),
	}

	reg, err := persona.NewRegistry(cfg.Personas)
	if err != nil {
		return nil, fmt.Errorf("persona registry: %w", err)
	}
	b.registry = reg

	// Providers: OpenRouter is the default backend, Anthropic serves
	// claude-prefixed models when configured.
	if cfg.LLM.OpenRouter.APIKey == "" && cfg.LLM.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("no LLM provider configured")
	}
	var anthropicProvider llm.Provider
	if cfg.LLM.Anthropic.APIKey != "" {
		anthropicProvider = llm.NewAnthropic(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.Model)
		slog.Info("llm provider configured", "provider", "anthropic")
	}
	openrouter := llm.NewOpenRouter(
		cfg.LLM.OpenRouter.BaseURL,
		cfg.LLM.OpenRouter.APIKey,
		cfg.LLM.OpenRouter.SiteURL,
		cfg.LLM.OpenRouter.AppName,
	)
	slog.Info("llm provider configured", "provider", "openrouter")
	b.providers = llm.NewRouter(openrouter, anthropicProvider)

	b.memory = memory.NewManager(s, b.providers, b.bus, memory.Config{
		DefaultWindow:   cfg.Memory.DefaultWindow,
		MaxWindow:       cfg.Memory.MaxWindow,
		MaxContextChars: cfg.Memory.MaxContextChars,
		SummaryModel:    cfg.Memory.SummaryModel,
		SummaryInterval: duration(cfg.Memory.SummaryInterval, time.Hour),
		SpanThreshold:   duration(cfg.Memory.SpanThreshold, 24*time.Hour),
	})

	classifier := router.New(reg, b.providers, b.memory, router.Config{
		Model:           cfg.Router.Model,
		DefaultPersona:  cfg.Router.DefaultPersona,
		Overrides:       cfg.Router.Overrides,
		RepeatThreshold: cfg.Router.RepeatThreshold,
		ContextLines:    cfg.Router.ContextLines,
		Timeout:         duration(cfg.Router.Timeout, 15*time.Second),
	})

	switch cfg.Platform {
	case "discord":
		t, err := discord.New(discord.Opts{Token: cfg.Discord.Token})
		if err != nil {
			return nil, fmt.Errorf("discord transport: %w", err)
		}
		b.transport = t
	case "matrix":
		b.transport = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.DataDir,
		})
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}

	b.recall = &lazyRecall{}
	b.pipeline = respond.New(b.providers, b.memory, b.transport, s, b.recall, b.bus, respond.Config{
		SoftLimit:   cfg.Respond.SoftLimit,
		HardLimit:   cfg.Respond.HardLimit,
		MaxAttempts: cfg.Respond.MaxAttempts,
		Timeout:     duration(cfg.Respond.Timeout, 5*time.Minute),
		ServerName:  cfg.Respond.ServerName,
		Timezone:    cfg.Respond.Timezone,
		RecallLimit: cfg.Embeddings.RecallLimit,
	})

	dedupSize := cfg.Dispatch.DedupSize
	if dedupSize <= 0 {
		dedupSize = 2000
	}
	b.dedup = dispatch.NewDedup(dedupSize, duration(cfg.Dispatch.DedupTTL, 6*time.Hour))

	d, err := dispatch.New(reg, classifier, b.pipeline, b.transport, b.dedup, s, b.bus, dispatch.Config{
		SelfID:           b.transport.SelfID,
		AllowBotKeywords: cfg.Dispatch.AllowBotKeywords,
		MentionKeywords:  cfg.Dispatch.MentionKeywords,
		ErrorNotice:      cfg.Dispatch.ErrorNotice,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	b.disp = d

	// Semantic recall (optional, requires pgvector + TEI). If pgvector is
	// not ready yet, a background retry is started in Run().
	if cfg.Embeddings.Enabled && cfg.Embeddings.PostgresURL != "" && cfg.Embeddings.TEIURL != "" {
		if !b.tryInitRecall() {
			slog.Info("semantic recall will retry in background when pgvector becomes available")
		}
	} else if cfg.Embeddings.Enabled {
		slog.Warn("semantic recall enabled but missing config",
			"has_pg_url", cfg.Embeddings.PostgresURL != "",
			"has_tei_url", cfg.Embeddings.TEIURL != "",
		)
	}

	return b, nil
}

// Run starts the bot. Blocks until ctx is cancelled or the transport
// fails fatally.
func (b *Bot) Run(ctx context.Context) error {
	slog.Info("chorus running",
		"name", b.config.Name,
		"platform", b.config.Platform,
		"personas", len(b.registry.List()),
	)

	go b.serveHTTP(ctx)
	go b.dedup.FlushLoop(ctx, b.store, duration(b.config.Dispatch.FlushInterval, 30*time.Second))

	b.embedMu.RLock()
	hasRecall := b.embedStore != nil
	b.embedMu.RUnlock()
	if hasRecall {
		b.startEmbeddingSync(ctx)
	} else if b.config.Embeddings.Enabled && b.config.Embeddings.PostgresURL != "" {
		go b.retryRecall(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting transport", "platform", b.transport.Name())
		if err := b.transport.Start(ctx, b.onMessage); err != nil {
			errCh <- err
		}
	}()

	go func() {
		time.Sleep(2 * time.Second)
		b.healthy.Store(true)
	}()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("transport fatal error: %w", err)
		}
	}

	b.healthy.Store(false)
	b.transport.Stop()
	b.disp.Wait()

	b.embedMu.RLock()
	if b.embedStore != nil {
		b.embedStore.Close()
	}
	b.embedMu.RUnlock()

	slog.Info("chorus shutting down")
	return nil
}

// onMessage handles every inbound message: own messages are dropped,
// admin commands are intercepted, everything else goes to the
// dispatcher.
func (b *Bot) onMessage(ctx context.Context, msg channel.Message) {
	if msg.AuthorID == b.transport.SelfID() {
		return
	}
	if strings.HasPrefix(msg.Content, "!") && b.isAdmin(msg.AuthorID) {
		if reply, handled := b.handleCommand(ctx, msg); handled {
			if reply != "" {
				if _, err := b.transport.Send(ctx, channel.Response{ChannelID: msg.ChannelID, Content: reply}); err != nil {
					slog.Error("admin reply send failed", "error", err)
				}
			}
			return
		}
	}
	b.disp.OnInbound(ctx, msg)
}

func (b *Bot) isAdmin(userID string) bool {
	for _, id := range b.config.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// handleCommand runs the in-chat admin surface. Returns handled=false
// for unrecognized commands so they flow to the dispatcher like any
// other message.
func (b *Bot) handleCommand(ctx context.Context, msg channel.Message) (string, bool) {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return "", false
	}
	gid := guildKey(msg)

	switch fields[0] {
	case "!activate":
		if err := b.disp.SetActivated(gid, msg.ChannelID, true); err != nil {
			return "Failed to activate channel: " + err.Error(), true
		}
		return "Channel activated — I'll respond to every message here.", true

	case "!deactivate":
		if err := b.disp.SetActivated(gid, msg.ChannelID, false); err != nil {
			return "Failed to deactivate channel: " + err.Error(), true
		}
		return "Channel deactivated.", true

	case "!context":
		if len(fields) < 2 {
			return "Usage: !context <n> | !context reset", true
		}
		if fields[1] == "reset" {
			if err := b.store.SetContextWindow(msg.ChannelID, gid, 0); err != nil {
				return "Failed to reset context window: " + err.Error(), true
			}
			return "Context window reset to default.", true
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return "Usage: !context <n> | !context reset", true
		}
		if err := b.store.SetContextWindow(msg.ChannelID, gid, n); err != nil {
			return "Failed to set context window: " + err.Error(), true
		}
		return fmt.Sprintf("Context window set to %d messages.", n), true

	case "!summarize":
		if err := b.memory.ForceSummarize(ctx, msg.ChannelID); err != nil {
			return "Summarization failed: " + err.Error(), true
		}
		return "Conversation summarized.", true

	case "!forget":
		before := time.Time{} // zero deletes all
		if len(fields) >= 2 {
			hours, err := strconv.Atoi(fields[1])
			if err != nil || hours < 1 {
				return "Usage: !forget [hours]", true
			}
			before = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		}
		n, err := b.memory.ClearSummaries(msg.ChannelID, before)
		if err != nil {
			return "Failed to clear summaries: " + err.Error(), true
		}
		return fmt.Sprintf("Cleared %d summaries.", n), true

	case "!prompt":
		if len(fields) < 3 {
			return "Usage: !prompt <persona> <text> | !prompt <persona> reset", true
		}
		p, ok := b.registry.Get(fields[1])
		if !ok {
			return "Unknown persona: " + fields[1], true
		}
		prompt := strings.TrimSpace(strings.TrimPrefix(msg.Content, fields[0]+" "+fields[1]))
		if prompt == "reset" {
			prompt = ""
		}
		err := b.store.SetPromptOverride(store.PromptOverride{
			GuildID:   gid,
			ChannelID: msg.ChannelID,
			Persona:   p.Name,
			Prompt:    prompt,
		})
		if err != nil {
			return "Failed to set prompt override: " + err.Error(), true
		}
		if prompt == "" {
			return fmt.Sprintf("Prompt override for %s cleared.", p.Name), true
		}
		return fmt.Sprintf("Prompt override for %s set in this channel.", p.Name), true

	case "!personas":
		var sb strings.Builder
		sb.WriteString("Registered personas:\n")
		for _, p := range b.registry.List() {
			sb.WriteString(fmt.Sprintf("• %s — %s", p.Name, p.Model))
			if len(p.Triggers) > 0 {
				sb.WriteString(" (triggers: " + strings.Join(p.Triggers, ", ") + ")")
			}
			sb.WriteString("\n")
		}
		return sb.String(), true

	case "!status":
		return fmt.Sprintf("Chorus up %s — %d personas, %d dedup markers, channel activated: %v",
			time.Since(b.startedAt).Round(time.Second),
			len(b.registry.List()),
			b.dedup.Len(),
			b.disp.IsActivated(gid, msg.ChannelID),
		), true
	}

	return "", false
}

func guildKey(msg channel.Message) string {
	if msg.IsDM || msg.GuildID == "" {
		return dispatch.DMGuildKey
	}
	return msg.GuildID
}

// --- Semantic recall ---

// lazyRecall forwards to an embeddings.Recaller once one exists. The
// pipeline holds this wrapper from the start so pgvector can connect
// (or reconnect) late without rewiring.
type lazyRecall struct {
	mu sync.RWMutex
	r  *embeddings.Recaller
}

func (l *lazyRecall) set(r *embeddings.Recaller) {
	l.mu.Lock()
	l.r = r
	l.mu.Unlock()
}

func (l *lazyRecall) RecallSimilar(ctx context.Context, channelID, query string, limit int) ([]string, error) {
	l.mu.RLock()
	r := l.r
	l.mu.RUnlock()
	if r == nil {
		return nil, nil
	}
	return r.RecallSimilar(ctx, channelID, query, limit)
}

// tryInitRecall attempts to connect to pgvector and initialize the
// embedding store. Returns false if the caller should retry later.
func (b *Bot) tryInitRecall() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es, err := embeddings.NewStore(ctx, b.config.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("semantic recall unavailable, pgvector connection failed", "error", err)
		return false
	}
	if err := es.Init(ctx); err != nil {
		slog.Warn("semantic recall unavailable, schema init failed", "error", err)
		es.Close()
		return false
	}

	tei := embeddings.NewTEIClient(b.config.Embeddings.TEIURL)

	b.embedMu.Lock()
	b.embedStore = es
	b.teiClient = tei
	b.embedMu.Unlock()
	b.recall.set(embeddings.NewRecaller(b.store, es, tei))

	slog.Info("semantic recall initialized", "tei", b.config.Embeddings.TEIURL)
	return true
}

// retryRecall reconnects pgvector in the background. Tries every 30s
// for up to 10 minutes, then gives up.
func (b *Bot) retryRecall(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}

		slog.Info("retrying semantic recall connection", "attempt", attempt, "max", maxRetries)
		if b.tryInitRecall() {
			b.startEmbeddingSync(ctx)
			return
		}
	}
	slog.Error("semantic recall permanently unavailable after retries", "attempts", maxRetries)
}

// startEmbeddingSync starts the background embedding sync worker.
func (b *Bot) startEmbeddingSync(ctx context.Context) {
	b.embedMu.RLock()
	es := b.embedStore
	tei := b.teiClient
	b.embedMu.RUnlock()
	if es == nil || tei == nil {
		return
	}

	worker := embeddings.NewSyncWorker(b.store, es, tei,
		duration(b.config.Embeddings.SyncInterval, 30*time.Second),
		b.config.Embeddings.BatchSize,
	)
	go worker.Run(ctx)
}

// --- HTTP surface ---

// serveHTTP runs the bot's HTTP API.
// Endpoints:
//   - GET /health — health check
//   - GET /v1/events — SSE stream of dispatch/response/summary events
func (b *Bot) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if b.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(b.startedAt).Round(time.Second))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"starting"}`)
		}
	})
	mux.HandleFunc("/v1/events", b.handleEvents)

	srv := &http.Server{Addr: b.config.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("API listening", "addr", b.config.HTTPAddr, "endpoints", []string{"/health", "/v1/events"})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Warn("API server error", "error", err)
	}
}

// handleEvents streams bus events as server-sent events, replaying the
// recent ring buffer first.
func (b *Bot) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, e := range b.bus.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	ch, done := b.bus.Subscribe()
	defer b.bus.Unsubscribe(done)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case e := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}
