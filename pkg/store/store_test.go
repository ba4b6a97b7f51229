package store

import (
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := openTestStore(t)

	m := Message{
		ID:        "msg-1",
		ChannelID: "chan-1",
		UserID:    "user-1",
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	m.Content = "hello edited"
	if err := s.UpsertMessage(m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	msgs, err := s.RecentMessages("chan-1", 10, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hello edited" {
		t.Errorf("content = %q, want updated content", msgs[0].Content)
	}
}

func TestRecentMessagesOrderAndExclude(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := s.UpsertMessage(Message{
			ID:        string(rune('a' + i)),
			ChannelID: "chan-1",
			UserID:    "u",
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	msgs, err := s.RecentMessages("chan-1", 3, "e")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Newest 3 excluding "e", chronological: b, c, d.
	want := []string{"b", "c", "d"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestChannelState(t *testing.T) {
	s := openTestStore(t)

	cs, err := s.GetChannelState("chan-1", "guild-1")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if cs != nil {
		t.Fatal("expected nil state before put")
	}

	err = s.PutChannelState(ChannelState{
		ChannelID:     "chan-1",
		GuildID:       "guild-1",
		LastMessageID: "m1",
		LastHuman:     "hi",
		LastAssistant: "hello",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.SetContextWindow("chan-1", "guild-1", 40); err != nil {
		t.Fatalf("set window: %v", err)
	}

	cs, err = s.GetChannelState("chan-1", "guild-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cs == nil {
		t.Fatal("expected state")
	}
	if cs.LastMessageID != "m1" || cs.ContextWindow != 40 {
		t.Errorf("state = %+v, want last m1 window 40", cs)
	}

	// Next exchange overwrites the snapshot but leaves the window
	// override alone.
	err = s.PutChannelState(ChannelState{
		ChannelID:      "chan-1",
		GuildID:        "guild-1",
		LastMessageID:  "m2",
		LastResponseID: "r2",
		LastHuman:      "and then?",
		LastAssistant:  "then this",
	})
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	cs, err = s.GetChannelState("chan-1", "guild-1")
	if err != nil || cs == nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if cs.LastMessageID != "m2" || cs.LastResponseID != "r2" || cs.LastAssistant != "then this" {
		t.Errorf("snapshot not overwritten: %+v", cs)
	}
	if cs.ContextWindow != 40 {
		t.Errorf("window = %d after snapshot overwrite, want 40 preserved", cs.ContextWindow)
	}
}

func TestSummaries(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.InsertSummary(Summary{
		ChannelID: "chan-1",
		StartAt:   base,
		EndAt:     base.Add(24 * time.Hour),
		Text:      "first window",
	}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if _, err := s.InsertSummary(Summary{
		ChannelID: "chan-1",
		StartAt:   base.Add(24 * time.Hour),
		EndAt:     base.Add(48 * time.Hour),
		Text:      "second window",
	}); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	latest, err := s.LatestSummary("chan-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.Text != "second window" {
		t.Fatalf("latest = %+v, want second window", latest)
	}

	n, err := s.DeleteSummaries("chan-1", base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("delete before cutoff: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	n, err = s.DeleteSummaries("chan-1", time.Time{})
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	latest, err = s.LatestSummary("chan-1")
	if err != nil {
		t.Fatalf("latest after delete: %v", err)
	}
	if latest != nil {
		t.Errorf("expected no summary, got %+v", latest)
	}
}

func TestActivatedChannels(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetActivated("g1", "c1", true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.SetActivated("g1", "c1", true); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if err := s.SetActivated("g1", "c2", true); err != nil {
		t.Fatalf("activate c2: %v", err)
	}
	if err := s.SetActivated("g1", "c2", false); err != nil {
		t.Fatalf("deactivate c2: %v", err)
	}

	keys, err := s.LoadActivated()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 1 || keys[0] != (ChannelKey{GuildID: "g1", ChannelID: "c1"}) {
		t.Errorf("keys = %+v, want [g1/c1]", keys)
	}
}

func TestHandledMarkers(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveHandled([]string{"a", "b", "c", "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	ids, err := s.LoadHandled(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("loaded %d ids, want 3", len(ids))
	}

	n, err := s.PruneHandled(time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
}

func TestPromptOverrides(t *testing.T) {
	s := openTestStore(t)

	o := PromptOverride{GuildID: "g", ChannelID: "c", Persona: "Sage", Prompt: "be brief"}
	if err := s.SetPromptOverride(o); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetPromptOverride("g", "c", "Sage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "be brief" {
		t.Errorf("got %q, want be brief", got)
	}

	o.Prompt = "  "
	if err := s.SetPromptOverride(o); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = s.GetPromptOverride("g", "c", "Sage")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if got != "" {
		t.Errorf("got %q after clear, want empty", got)
	}
}

func TestMessageTimeBounds(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, _, ok, err := s.MessageTimeBounds("chan-1", time.Time{})
	if err != nil {
		t.Fatalf("bounds empty: %v", err)
	}
	if ok {
		t.Fatal("expected no bounds for empty channel")
	}

	for i := 0; i < 3; i++ {
		err := s.UpsertMessage(Message{
			ID:        string(rune('a' + i)),
			ChannelID: "chan-1",
			UserID:    "u",
			Content:   "x",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	first, last, ok, err := s.MessageTimeBounds("chan-1", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if !ok {
		t.Fatal("expected bounds")
	}
	if !first.Equal(base.Add(time.Hour)) || !last.Equal(base.Add(2*time.Hour)) {
		t.Errorf("bounds = %v..%v, want 1h..2h after base", first, last)
	}
}

func TestMessageRefsAndFetch(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.UpsertMessage(Message{
			ID:        string(rune('a' + i)),
			ChannelID: "chan-1",
			UserID:    "u",
			Content:   "content " + string(rune('a'+i)),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	refs, err := s.AllMessageRefs(10)
	if err != nil {
		t.Fatalf("refs: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d refs, want 3", len(refs))
	}
	if refs[0].ContentHash == "" || refs[0].ContentHash == refs[1].ContentHash {
		t.Error("expected distinct non-empty content hashes")
	}

	msgs, err := s.MessagesByRowIDs([]int64{refs[0].RowID, refs[1].RowID})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("fetched %d messages, want 2", len(msgs))
	}
}
