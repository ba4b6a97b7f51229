package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/internal/router"
)

// Config holds the bot configuration.
type Config struct {
	// Identity
	Name string `json:"name"` // "chorus"

	// Platform selects the transport: "discord" or "matrix".
	Platform string `json:"platform"`

	// DataDir holds the SQLite database and transport state.
	DataDir string `json:"data_dir"`

	// HTTPAddr is the health/events API listen address.
	HTTPAddr string `json:"http_addr,omitempty"`

	// Admins are user ids allowed to use in-chat admin commands.
	Admins []string `json:"admins,omitempty"`

	Discord DiscordConfig `json:"discord"`
	Matrix  MatrixConfig  `json:"matrix"`

	LLM LLMConfig `json:"llm"`

	// Personas is the registration-ordered persona roster.
	Personas []persona.Persona `json:"personas"`

	Router   RouterConfig   `json:"router"`
	Dispatch DispatchConfig `json:"dispatch"`
	Memory   MemoryConfig   `json:"memory"`
	Respond  RespondConfig  `json:"respond"`

	// Embeddings (semantic recall)
	Embeddings EmbeddingsConfig `json:"embeddings"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	Token string `json:"token"` // can use env var reference: "$DISCORD_TOKEN"
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`
	UserID       string   `json:"user_id"` // localpart
	Password     string   `json:"password"`
	ServerName   string   `json:"server_name"`
	AllowedUsers []string `json:"allowed_users"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	OpenRouter OpenRouterConfig `json:"openrouter"`
	Anthropic  AnthropicConfig  `json:"anthropic"`
}

// OpenRouterConfig holds settings for the default provider.
type OpenRouterConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	SiteURL string `json:"site_url,omitempty"` // HTTP-Referer attribution
	AppName string `json:"app_name,omitempty"` // X-Title attribution
}

// AnthropicConfig holds settings for claude-prefixed models.
type AnthropicConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model,omitempty"` // default when a request has none
}

// RouterConfig holds routing classifier settings.
type RouterConfig struct {
	Model           string                   `json:"model"`
	DefaultPersona  string                   `json:"default_persona,omitempty"`
	Overrides       []router.KeywordOverride `json:"overrides,omitempty"`
	RepeatThreshold int                      `json:"repeat_threshold,omitempty"`
	ContextLines    int                      `json:"context_lines,omitempty"`
	Timeout         string                   `json:"timeout,omitempty"` // e.g. "15s"
}

// DispatchConfig holds dispatcher and dedup settings.
type DispatchConfig struct {
	AllowBotKeywords []string `json:"allow_bot_keywords,omitempty"`
	MentionKeywords  []string `json:"mention_keywords,omitempty"`
	ErrorNotice      string   `json:"error_notice,omitempty"`
	DedupSize        int      `json:"dedup_size,omitempty"`      // default 2000
	DedupTTL         string   `json:"dedup_ttl,omitempty"`       // default "6h"
	FlushInterval    string   `json:"flush_interval,omitempty"`  // default "30s"
}

// MemoryConfig holds context-manager settings.
type MemoryConfig struct {
	DefaultWindow   int    `json:"default_window,omitempty"`
	MaxWindow       int    `json:"max_window,omitempty"`
	MaxContextChars int    `json:"max_context_chars,omitempty"`
	SummaryModel    string `json:"summary_model,omitempty"`
	SummaryInterval string `json:"summary_interval,omitempty"` // default "1h"
	SpanThreshold   string `json:"span_threshold,omitempty"`   // default "24h"
}

// RespondConfig holds response pipeline settings.
type RespondConfig struct {
	SoftLimit   int    `json:"soft_limit,omitempty"`
	HardLimit   int    `json:"hard_limit,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Timeout     string `json:"timeout,omitempty"` // default "5m"
	ServerName  string `json:"server_name,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// EmbeddingsConfig holds semantic recall settings.
type EmbeddingsConfig struct {
	Enabled      bool   `json:"enabled"`
	PostgresURL  string `json:"postgres_url,omitempty"`
	TEIURL       string `json:"tei_url,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"` // e.g. "30s"
	BatchSize    int    `json:"batch_size,omitempty"`
	RecallLimit  int    `json:"recall_limit,omitempty"` // lines injected per prompt
}

// LoadConfig reads config from a file path or environment.
// If path is empty, uses defaults suitable for container deployment.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.Discord.Token = resolveEnv(cfg.Discord.Token)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.LLM.OpenRouter.APIKey = resolveEnv(cfg.LLM.OpenRouter.APIKey)
	cfg.LLM.Anthropic.APIKey = resolveEnv(cfg.LLM.Anthropic.APIKey)
	cfg.Embeddings.PostgresURL = resolveEnv(cfg.Embeddings.PostgresURL)
	cfg.Embeddings.TEIURL = resolveEnv(cfg.Embeddings.TEIURL)

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "chorus"
	}
	if c.Platform == "" {
		c.Platform = "discord"
	}
	if c.DataDir == "" {
		c.DataDir = envOr("CHORUS_DATA_DIR", "/data")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if len(c.Personas) == 0 {
		c.Personas = defaultPersonas()
	}
	if c.Router.Model == "" {
		c.Router.Model = "mistralai/ministral-8b"
	}
	if c.Memory.SummaryModel == "" {
		c.Memory.SummaryModel = c.Router.Model
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config using environment variables,
// suitable for container deployment.
func defaultConfig() *Config {
	cfg := &Config{
		Name:     "chorus",
		Platform: envOr("CHORUS_PLATFORM", "discord"),
		DataDir:  envOr("CHORUS_DATA_DIR", "/data"),
		HTTPAddr: envOr("CHORUS_HTTP_ADDR", ":8080"),
		Discord: DiscordConfig{
			Token: os.Getenv("DISCORD_TOKEN"),
		},
		Matrix: MatrixConfig{
			Homeserver:   envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:       envOr("MATRIX_BOT_USER", "chorus"),
			Password:     os.Getenv("MATRIX_BOT_PASSWORD"),
			ServerName:   envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			AllowedUsers: []string{envOr("MATRIX_ALLOWED_USERS", "")},
		},
		LLM: LLMConfig{
			OpenRouter: OpenRouterConfig{
				APIKey:  os.Getenv("OPENROUTER_API_KEY"),
				SiteURL: envOr("CHORUS_SITE_URL", "https://github.com/chorus-labs/chorus"),
				AppName: "Chorus",
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			},
		},
		Embeddings: EmbeddingsConfig{
			Enabled:      envOr("CHORUS_EMBEDDINGS_ENABLED", "") != "",
			PostgresURL:  envOr("CHORUS_PG_URL", ""),
			TEIURL:       envOr("CHORUS_TEI_URL", ""),
			SyncInterval: envOr("CHORUS_EMBED_SYNC_INTERVAL", "30s"),
			BatchSize:    32,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// defaultPersonas is the built-in roster used when the config lists none.
func defaultPersonas() []persona.Persona {
	return []persona.Persona{
		{
			Name:        "Sage",
			Triggers:    []string{"sage"},
			Model:       "claude-sonnet-4-5",
			Temperature: 0.7,
			MaxTokens:   1024,
			Prompt: "You are Sage, a thoughtful assistant on the {server} server, " +
				"chatting in {channel} with {username}. The current time is {time} ({timezone}). " +
				"Be concise and conversational.",
		},
		{
			Name:        "Ministral",
			Triggers:    []string{"ministral", "mini"},
			Model:       "mistralai/ministral-8b",
			Temperature: 0.8,
			MaxTokens:   512,
			Prompt: "You are Ministral, a quick and playful assistant talking to {username} " +
				"in {channel}. Keep replies short.",
		},
		{
			Name:        "Peek",
			Triggers:    []string{"peek"},
			Model:       "claude-sonnet-4-5",
			Temperature: 0.5,
			MaxTokens:   1024,
			Vision:      true,
			Prompt: "You are Peek, an assistant that describes and discusses images " +
				"shared by {username}. Mention what you see before answering.",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// duration parses s, falling back when empty or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
