package persona

import "testing"

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Persona{
		{Name: "Sage", Nickname: "sg", Triggers: []string{"sage", "wisdom"}, Model: "anthropic/claude-3.5-haiku"},
		{Name: "Ministral", Triggers: []string{"ministral"}, Model: "mistralai/ministral-8b", Temperature: 0.7},
		{Name: "Peek", Triggers: []string{"look at this"}, Model: "google/gemini-2.0-flash", Vision: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestGetByNameAndNickname(t *testing.T) {
	r := testRegistry(t)

	if _, ok := r.Get("ministral"); !ok {
		t.Error("case-insensitive name lookup failed")
	}
	if p, ok := r.Get("sg"); !ok || p.Name != "Sage" {
		t.Error("nickname lookup failed")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("unknown name should not resolve")
	}
}

func TestResolveNormalization(t *testing.T) {
	r := testRegistry(t)

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"Ministral", "Ministral", true},
		{" Ministral\n", "Ministral", true},
		{"ministral", "Ministral", true},
		{"`Ministral`", "Ministral", true},
		{"\"Sage\"", "Sage", true},
		{"Persona: Sage", "Sage", true},
		{"Ministral.", "Ministral", true},
		{"the Ministral persona", "Ministral", true}, // raw contains known name
		{"Min", "Ministral", true},                   // known name contains raw
		{"", "", false},
		{"Zorblax", "", false},
	}
	for _, tc := range cases {
		p, ok := r.Resolve(tc.raw)
		if ok != tc.ok {
			t.Errorf("Resolve(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			continue
		}
		if ok && p.Name != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.raw, p.Name, tc.want)
		}
	}
}

func TestMatchTriggerRegistrationOrder(t *testing.T) {
	r := testRegistry(t)

	// "sage" and "ministral" both appear; Sage registered first wins.
	p, ok := r.MatchTrigger("hey sage, ask ministral too")
	if !ok || p.Name != "Sage" {
		t.Errorf("got %v/%v, want Sage", p.Name, ok)
	}

	p, ok = r.MatchTrigger("MINISTRAL please")
	if !ok || p.Name != "Ministral" {
		t.Errorf("case-insensitive trigger: got %v/%v", p.Name, ok)
	}

	if _, ok := r.MatchTrigger("nothing relevant here"); ok {
		t.Error("no trigger should match")
	}
}

func TestVisionPersona(t *testing.T) {
	r := testRegistry(t)
	p, ok := r.VisionPersona()
	if !ok || p.Name != "Peek" {
		t.Errorf("vision persona = %v/%v, want Peek", p.Name, ok)
	}
}

func TestRenderPrompt(t *testing.T) {
	p := Persona{
		Name:   "Sage",
		Model:  "anthropic/claude-3.5-haiku",
		Prompt: "You are Sage on {server}#{channel}, talking to {username} ({user_id}) at {time} {timezone}. Backend: {model}.",
	}
	vars := Vars{
		Model:    p.Model,
		Username: "ada",
		UserID:   "u1",
		Time:     "12:00",
		Timezone: "UTC",
		Server:   "hq",
		Channel:  "general",
	}
	got := p.RenderPrompt(vars, "")
	want := "You are Sage on hq#general, talking to ada (u1) at 12:00 UTC. Backend: anthropic/claude-3.5-haiku."
	if got != want {
		t.Errorf("rendered = %q, want %q", got, want)
	}

	got = p.RenderPrompt(vars, "Override for {username}.")
	if got != "Override for ada." {
		t.Errorf("override rendered = %q", got)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	_, err := NewRegistry([]Persona{{Name: "A", Model: "m"}, {Name: "a", Model: "m"}})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}
