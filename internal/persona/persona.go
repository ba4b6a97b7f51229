// Package persona holds the static registry of response agents: who can
// answer, what triggers them, and how their system prompts are built.
package persona

import (
	"fmt"
	"strings"
)

// Persona is one configured response agent. Loaded from config at boot,
// no runtime state.
type Persona struct {
	// Name is the canonical persona identifier (e.g., "Ministral").
	Name string `json:"name"`

	// Nickname is an optional short alias users may address.
	Nickname string `json:"nickname,omitempty"`

	// Triggers are ordered trigger words, matched case-insensitively as
	// substrings of the message text.
	Triggers []string `json:"triggers,omitempty"`

	// Model is the backend model id.
	Model string `json:"model"`

	// FallbackModel is tried once when the primary fails non-transiently.
	FallbackModel string `json:"fallback_model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// Vision marks personas that can see image attachments.
	Vision bool `json:"vision,omitempty"`

	// Prompt is the system prompt template; see Vars for the
	// substitution placeholders.
	Prompt string `json:"prompt"`
}

// Vars are the substitution values available to prompt templates.
// Placeholders use {curly} syntax: {model}, {username}, {user_id},
// {time}, {timezone}, {server}, {channel}.
type Vars struct {
	Model    string
	Username string
	UserID   string
	Time     string
	Timezone string
	Server   string
	Channel  string
}

// RenderPrompt expands a prompt template. When override is non-empty it
// replaces the persona's configured template (admin prompt override),
// still going through variable substitution.
func (p Persona) RenderPrompt(vars Vars, override string) string {
	tmpl := p.Prompt
	if override != "" {
		tmpl = override
	}
	r := strings.NewReplacer(
		"{model}", vars.Model,
		"{username}", vars.Username,
		"{user_id}", vars.UserID,
		"{time}", vars.Time,
		"{timezone}", vars.Timezone,
		"{server}", vars.Server,
		"{channel}", vars.Channel,
	)
	return r.Replace(tmpl)
}

// Registry is the ordered persona table. Registration order matters for
// trigger tie-breaking.
type Registry struct {
	ordered []Persona
	byName  map[string]int // lowercased name and nickname → index
}

// NewRegistry builds a registry from an ordered persona list.
func NewRegistry(personas []Persona) (*Registry, error) {
	r := &Registry{byName: make(map[string]int)}
	for _, p := range personas {
		if p.Name == "" {
			return nil, fmt.Errorf("persona with empty name")
		}
		key := strings.ToLower(p.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate persona name %q", p.Name)
		}
		r.byName[key] = len(r.ordered)
		if p.Nickname != "" {
			nick := strings.ToLower(p.Nickname)
			if _, dup := r.byName[nick]; !dup {
				r.byName[nick] = len(r.ordered)
			}
		}
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// List returns personas in registration order.
func (r *Registry) List() []Persona {
	out := make([]Persona, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get looks up a persona by exact name or nickname (case-insensitive).
func (r *Registry) Get(name string) (Persona, bool) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Persona{}, false
	}
	return r.ordered[i], true
}

// Resolve maps a raw classifier answer onto a known persona name.
// Attempted in order: exact match, case-insensitive match, substring in
// either direction. The raw text is normalized first (markup, quotes,
// surrounding whitespace stripped). ok is false when nothing matches.
func (r *Registry) Resolve(raw string) (Persona, bool) {
	name := Normalize(raw)
	if name == "" {
		return Persona{}, false
	}

	for _, p := range r.ordered {
		if p.Name == name {
			return p, true
		}
	}

	lower := strings.ToLower(name)
	if i, ok := r.byName[lower]; ok {
		return r.ordered[i], true
	}

	for _, p := range r.ordered {
		pl := strings.ToLower(p.Name)
		if strings.Contains(lower, pl) || strings.Contains(pl, lower) {
			return p, true
		}
	}
	return Persona{}, false
}

// MatchTrigger returns the first persona, in registration order, with a
// trigger word appearing in the text (case-insensitive substring). Only
// one persona matches per message.
func (r *Registry) MatchTrigger(text string) (Persona, bool) {
	lower := strings.ToLower(text)
	for _, p := range r.ordered {
		for _, trig := range p.Triggers {
			if trig == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(trig)) {
				return p, true
			}
		}
	}
	return Persona{}, false
}

// VisionPersona returns the first vision-capable persona.
func (r *Registry) VisionPersona() (Persona, bool) {
	for _, p := range r.ordered {
		if p.Vision {
			return p, true
		}
	}
	return Persona{}, false
}

// ResponsePrefix is prepended to outgoing responses so a later reply to
// the message can be attributed back to the persona that wrote it.
func ResponsePrefix(name string) string {
	return "**" + name + ":** "
}

// FromResponsePrefix extracts the persona name from a message produced
// with ResponsePrefix.
func FromResponsePrefix(content string) (string, bool) {
	if !strings.HasPrefix(content, "**") {
		return "", false
	}
	rest := content[2:]
	i := strings.Index(rest, ":**")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// Normalize strips markup, quotes, punctuation, and whitespace from a
// raw model answer so it can be compared against persona names.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "`*_\"'")
	s = strings.TrimSpace(s)
	// Model answers sometimes arrive as "Persona: X" or end with a period.
	if i := strings.LastIndex(s, ":"); i >= 0 && i < len(s)-1 {
		s = strings.TrimSpace(s[i+1:])
	}
	s = strings.TrimRight(s, ".!")
	return strings.TrimSpace(s)
}
