package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chorus-labs/chorus/internal/persona"
	"github.com/chorus-labs/chorus/pkg/channel"
)

type fakeClassifier struct {
	mu     sync.Mutex
	result persona.Persona
	calls  int
}

func (f *fakeClassifier) Classify(ctx context.Context, msg channel.Message) persona.Persona {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string // persona names
	err   error
}

func (f *fakeResponder) Respond(ctx context.Context, msg channel.Message, p persona.Persona) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p.Name)
	return f.err
}

func (f *fakeResponder) personas() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []channel.Response
}

func (f *fakeSender) Send(ctx context.Context, resp channel.Response) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, resp)
	return "sent-1", nil
}

func (f *fakeSender) notices() []channel.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Response(nil), f.sent...)
}

func newTestDispatcher(t *testing.T, cl *fakeClassifier, rp *fakeResponder, snd *fakeSender, cfg Config) *Dispatcher {
	t.Helper()
	reg, err := persona.NewRegistry([]persona.Persona{
		{Name: "Sage", Triggers: []string{"sage"}, Model: "m1"},
		{Name: "Ministral", Triggers: []string{"ministral"}, Model: "mistralai/ministral-8b", Temperature: 0.7},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d, err := New(reg, cl, rp, snd, NewDedup(100, time.Hour), nil, nil, cfg)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return d
}

func userMsg(id, channelID, content string) channel.Message {
	return channel.Message{
		Source: "discord", ID: id, ChannelID: channelID,
		GuildID: "g1", AuthorID: "user-1", Content: content,
	}
}

func TestIdempotentDispatch(t *testing.T) {
	rp := &fakeResponder{}
	d := newTestDispatcher(t, &fakeClassifier{}, rp, &fakeSender{}, Config{})

	msg := userMsg("m1", "c1", "hey sage")
	d.OnInbound(context.Background(), msg)
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if got := rp.personas(); len(got) != 1 {
		t.Fatalf("responder invoked %d times, want 1", len(got))
	}
}

func TestTriggerDispatchesFirstRegisteredPersona(t *testing.T) {
	rp := &fakeResponder{}
	d := newTestDispatcher(t, &fakeClassifier{}, rp, &fakeSender{}, Config{})

	d.OnInbound(context.Background(), userMsg("m1", "c1", "ministral and sage both mentioned"))
	d.Wait()

	if got := rp.personas(); len(got) != 1 || got[0] != "Sage" {
		t.Fatalf("dispatched to %v, want [Sage]", got)
	}
}

func TestNoDispatchWithoutTrigger(t *testing.T) {
	cl := &fakeClassifier{}
	rp := &fakeResponder{}
	d := newTestDispatcher(t, cl, rp, &fakeSender{}, Config{})

	d.OnInbound(context.Background(), userMsg("m1", "c1", "just chatting"))
	d.Wait()

	if len(rp.personas()) != 0 || cl.callCount() != 0 {
		t.Error("message without trigger should not dispatch")
	}
}

func TestDMRoutesToClassifier(t *testing.T) {
	cl := &fakeClassifier{result: persona.Persona{Name: "Ministral"}}
	rp := &fakeResponder{}
	d := newTestDispatcher(t, cl, rp, &fakeSender{}, Config{})

	msg := userMsg("m1", "c1", "hello")
	msg.IsDM = true
	msg.GuildID = ""
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if cl.callCount() != 1 {
		t.Fatal("classifier not consulted for DM")
	}
	if got := rp.personas(); len(got) != 1 || got[0] != "Ministral" {
		t.Fatalf("dispatched to %v", got)
	}
}

func TestActivatedChannelRoutesToClassifier(t *testing.T) {
	cl := &fakeClassifier{result: persona.Persona{Name: "Sage"}}
	rp := &fakeResponder{}
	d := newTestDispatcher(t, cl, rp, &fakeSender{}, Config{})

	if err := d.SetActivated("g1", "c1", true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	d.OnInbound(context.Background(), userMsg("m1", "c1", "no triggers here"))
	d.Wait()

	if cl.callCount() != 1 || len(rp.personas()) != 1 {
		t.Error("activated channel did not classify+dispatch")
	}
}

func TestReplyRoutesBackToSamePersona(t *testing.T) {
	cl := &fakeClassifier{result: persona.Persona{Name: "Sage"}}
	rp := &fakeResponder{}
	d := newTestDispatcher(t, cl, rp, &fakeSender{}, Config{})

	// Reply to a Ministral-authored message; text also contains another
	// persona's trigger word, which must not win.
	msg := userMsg("m1", "c1", "sage, what do you think?")
	msg.Reference = &channel.Reference{
		MessageID:    "m0",
		AuthorIsSelf: true,
		Content:      persona.ResponsePrefix("Ministral") + "earlier answer",
	}
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if got := rp.personas(); len(got) != 1 || got[0] != "Ministral" {
		t.Fatalf("dispatched to %v, want [Ministral]", got)
	}
	if cl.callCount() != 0 {
		t.Error("classifier should not run for attributable reply")
	}
}

func TestMentionRoutesToClassifier(t *testing.T) {
	cl := &fakeClassifier{result: persona.Persona{Name: "Ministral"}}
	rp := &fakeResponder{}
	d := newTestDispatcher(t, cl, rp, &fakeSender{}, Config{MentionKeywords: []string{"chorus"}})

	msg := userMsg("m1", "c1", "hey chorus, what's up")
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if cl.callCount() != 1 || len(rp.personas()) != 1 {
		t.Error("mention keyword did not route to classifier")
	}
}

func TestBotMessagesNeedAllowKeyword(t *testing.T) {
	rp := &fakeResponder{}
	d := newTestDispatcher(t, &fakeClassifier{}, rp, &fakeSender{},
		Config{AllowBotKeywords: []string{"[relay]"}})

	blocked := userMsg("m1", "c1", "hey sage")
	blocked.AuthorIsBot = true
	d.OnInbound(context.Background(), blocked)

	allowed := userMsg("m2", "c1", "[relay] hey sage")
	allowed.AuthorIsBot = true
	d.OnInbound(context.Background(), allowed)
	d.Wait()

	if got := rp.personas(); len(got) != 1 {
		t.Fatalf("dispatched %d times, want 1 (allow-listed only)", len(got))
	}
}

func TestSelfMessagesIgnored(t *testing.T) {
	rp := &fakeResponder{}
	d := newTestDispatcher(t, &fakeClassifier{}, rp, &fakeSender{},
		Config{SelfID: func() string { return "me" }})

	msg := userMsg("m1", "c1", "hey sage")
	msg.AuthorID = "me"
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if len(rp.personas()) != 0 {
		t.Error("own message dispatched")
	}
}

func TestSelfGateUsesLateBoundID(t *testing.T) {
	rp := &fakeResponder{}
	self := ""
	d := newTestDispatcher(t, &fakeClassifier{}, rp, &fakeSender{},
		Config{SelfID: func() string { return self }})

	// Transports learn their own id only once connected; the gate must
	// pick up the id resolved at dispatch time, not construction time.
	self = "me"
	msg := userMsg("m1", "c1", "hey sage")
	msg.AuthorID = "me"
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if len(rp.personas()) != 0 {
		t.Error("own message dispatched after id became known")
	}
}

func TestPipelineErrorSurfacesOneNoticeAndKeepsMarker(t *testing.T) {
	rp := &fakeResponder{err: errors.New("pipeline exploded")}
	snd := &fakeSender{}
	d := newTestDispatcher(t, &fakeClassifier{}, rp, snd, Config{})

	msg := userMsg("m1", "c1", "hey sage")
	d.OnInbound(context.Background(), msg)
	d.Wait()

	if got := snd.notices(); len(got) != 1 || got[0].ChannelID != "c1" {
		t.Fatalf("notices = %v, want one in c1", got)
	}

	// Marker stays recorded: the same message is not retried.
	d.OnInbound(context.Background(), msg)
	d.Wait()
	if len(rp.personas()) != 1 {
		t.Error("failed message was re-dispatched")
	}
}
