package commands

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
	"github.com/dcrodman/multiworld/internal/session"
	"github.com/dcrodman/multiworld/internal/transfer"
)

type quietEngine struct{}

func (quietEngine) Run(ctx context.Context, _ *instance.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}
func (quietEngine) Deliver(int, []byte) {}
func (quietEngine) Joined(int)          {}
func (quietEngine) Left(int)            {}

type replies struct {
	mu    sync.Mutex
	lines []string
}

func (r *replies) SendTo(from *instance.Instance, slot int, frame []byte) {
	var module packets.NetModule
	if err := packets.Unmarshal(frame, &module, packets.FromServer); err != nil || !module.IsChat() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, from.Name()+": "+module.Chat.Message.String())
}

func (r *replies) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.lines
	r.lines = nil
	return lines
}

type fixture struct {
	d           *dispatch.Dispatcher
	router      *session.Router
	registry    *instance.Registry
	interceptor *Interceptor
	out         *replies
	slot        *session.Slot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	arena := session.NewArena(4)
	f := &fixture{
		d:        dispatch.New(logger),
		router:   &session.Router{},
		registry: &instance.Registry{},
		out:      &replies{},
	}
	transfers := transfer.New(logger, arena, f.router)
	f.interceptor = New(logger, f.registry, transfers)
	f.interceptor.Attach(f.d)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		inst := instance.New(instance.Settings{Name: name, WorldName: name}, quietEngine{})
		if name != "Gamma" {
			if err := inst.Start(context.Background(), f.out); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = inst.Stop() })
		}
		if err := f.registry.Add(inst); err != nil {
			t.Fatal(err)
		}
	}

	alpha := f.registry.Find("Alpha")
	f.slot, _ = arena.Claim(nil)
	f.slot.Lock()
	f.slot.Player = &instance.Player{Name: "Red"}
	f.slot.Handshake.InfoFrame = packets.MustMarshal(&packets.PlayerInfo{Name: "Red"}, packets.FromClient)
	alpha.Players().Put(f.slot.Index(), f.slot.Player)
	f.router.Publish(f.slot.Index(), alpha)
	f.slot.Assign()
	f.slot.Unlock()
	return f
}

// say dispatches a chat line from the test player the way the frontend does.
func (f *fixture) say(t *testing.T, text string) dispatch.Result {
	t.Helper()
	frame := packets.MustMarshal(&packets.NetModule{ModuleID: packets.ChatModuleID,
		Chat: packets.ChatMessage{Command: packets.ChatCommandSay, Text: text}}, packets.FromClient)

	f.slot.Lock()
	result, err := f.d.Dispatch(frame, f.slot.Index(), f.router.Load(f.slot.Index()), packets.FromClient)
	deferred := f.slot.TakeDeferred()
	f.slot.Unlock()
	for _, fn := range deferred {
		fn()
	}

	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestInterceptor_Commands(t *testing.T) {
	tests := map[string]struct {
		text        string
		wantVerdict dispatch.Verdict
		wantReplies []string
		wantWorld   string
	}{
		"plain chat passes": {
			text:        "hello there",
			wantVerdict: dispatch.Pass,
			wantWorld:   "Alpha",
		},
		"worlds lists running instances": {
			text:        "/worlds",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: Worlds: Alpha*, Beta"},
			wantWorld:   "Alpha",
		},
		"goto without a world": {
			text:        "/goto",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: Usage: /goto <world>"},
			wantWorld:   "Alpha",
		},
		"goto a stopped world": {
			text:        "/goto gamma",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: No world named gamma is running."},
			wantWorld:   "Alpha",
		},
		"goto an unknown world": {
			text:        "/goto nowhere",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: No world named nowhere is running."},
			wantWorld:   "Alpha",
		},
		"goto the current world": {
			text:        "/goto alpha",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: You are already in Alpha."},
			wantWorld:   "Alpha",
		},
		"goto moves the player": {
			text:        "  /GOTO Beta ",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: Moving you to Beta..."},
			wantWorld:   "Beta",
		},
		"unknown command": {
			text:        "/dance now",
			wantVerdict: dispatch.Cancel,
			wantReplies: []string{"Alpha: Unknown command: /dance"},
			wantWorld:   "Alpha",
		},
		"bare prefix": {
			text:        "/",
			wantVerdict: dispatch.Cancel,
			wantWorld:   "Alpha",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			result := f.say(t, tt.text)

			if result.Verdict != tt.wantVerdict {
				t.Errorf("expected verdict %s, got %s", tt.wantVerdict, result.Verdict)
			}
			if diff := cmp.Diff(tt.wantReplies, f.out.take()); diff != "" {
				t.Errorf("unexpected replies; diff:\n%s", diff)
			}
			if got := f.router.Load(f.slot.Index()).Name(); got != tt.wantWorld {
				t.Errorf("expected the player in %s, got %s", tt.wantWorld, got)
			}
		})
	}
}

func TestInterceptor_StopsOtherHandlers(t *testing.T) {
	f := newFixture(t)

	var seen []string
	dispatch.Handle(f.d, packets.FromClient, 0, func(e *dispatch.Envelope[*packets.NetModule]) {
		seen = append(seen, e.Packet.Chat.Text)
	})

	f.say(t, "/worlds")
	f.say(t, "hi")
	if diff := cmp.Diff([]string{"hi"}, seen); diff != "" {
		t.Errorf("command reached later handlers; diff:\n%s", diff)
	}
}

func TestInterceptor_PrefixAndCustomCommands(t *testing.T) {
	f := newFixture(t)
	f.interceptor.SetPrefix("!")
	f.interceptor.Register("Ping", func(c *Context) { c.Reply("pong %s", c.Args) })

	if result := f.say(t, "/worlds"); result.Verdict != dispatch.Pass {
		t.Error("expected the old prefix to be ordinary chat")
	}
	if result := f.say(t, "!ping a b"); result.Verdict != dispatch.Cancel {
		t.Error("expected the custom command to be intercepted")
	}
	if diff := cmp.Diff([]string{"Alpha: pong [a b]"}, f.out.take()); diff != "" {
		t.Errorf("unexpected replies; diff:\n%s", diff)
	}

	f.interceptor.SetPrefix("")
	if got := f.interceptor.Prefix(); got != DefaultPrefix {
		t.Errorf("expected an empty prefix to reset to %q, got %q", DefaultPrefix, got)
	}
}

func TestInterceptor_Detach(t *testing.T) {
	f := newFixture(t)
	f.interceptor.Attach(f.d)
	f.interceptor.Detach(f.d)

	if result := f.say(t, "/worlds"); result.Verdict != dispatch.Pass {
		t.Errorf("expected commands to pass through once detached, got %s", result.Verdict)
	}
}

func TestInterceptor_Localized(t *testing.T) {
	f := newFixture(t)
	f.interceptor.SetLanguage("de")
	f.say(t, "/goto alpha")

	if diff := cmp.Diff([]string{"Alpha: Du bist bereits in Alpha."}, f.out.take()); diff != "" {
		t.Errorf("unexpected replies; diff:\n%s", diff)
	}
}
