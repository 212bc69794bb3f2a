package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
	"github.com/dcrodman/multiworld/internal/session"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

type testEngine struct {
	name string
	log  *eventLog
}

func (e *testEngine) Run(ctx context.Context, _ *instance.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

func (e *testEngine) Deliver(slot int, frame []byte) {
	e.log.add("%s: deliver %s from %d", e.name, packets.Name(packets.Type(frame[2])), slot)
}

func (e *testEngine) Joined(slot int) { e.log.add("%s: joined %d", e.name, slot) }
func (e *testEngine) Left(slot int)   { e.log.add("%s: left %d", e.name, slot) }

type testOutbound struct{ log *eventLog }

func (o testOutbound) SendTo(from *instance.Instance, slot int, frame []byte) {
	var active packets.PlayerActive
	if err := packets.Unmarshal(frame, &active, packets.FromServer); err == nil {
		o.log.add("%s: to %d: player %d active=%v", from.Name(), slot, active.PlayerID, active.Active)
	}
}

type fixture struct {
	log     *eventLog
	arena   *session.Arena
	router  *session.Router
	service *Service
	alpha   *instance.Instance
	beta    *instance.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{log: &eventLog{}, arena: session.NewArena(8), router: &session.Router{}}
	f.service = New(logger, f.arena, f.router)

	start := func(name string) *instance.Instance {
		inst := instance.New(instance.Settings{Name: name, WorldName: name}, &testEngine{name: name, log: f.log})
		if err := inst.Start(context.Background(), testOutbound{log: f.log}); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = inst.Stop() })
		return inst
	}
	f.alpha = start("Alpha")
	f.beta = start("Beta")
	return f
}

// place puts a player straight into inst, as admission would.
func (f *fixture) place(t *testing.T, inst *instance.Instance, name string) *session.Slot {
	t.Helper()
	slot, ok := f.arena.Claim(nil)
	if !ok {
		t.Fatal("arena is full")
	}
	slot.Lock()
	slot.Player = &instance.Player{Name: name}
	slot.Handshake.InfoFrame = packets.MustMarshal(&packets.PlayerInfo{PlayerID: byte(slot.Index()), Name: name}, packets.FromClient)
	inst.Players().Put(slot.Index(), slot.Player)
	f.router.Publish(slot.Index(), inst)
	slot.Assign()
	slot.Unlock()
	return slot
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	mover := f.place(t, f.alpha, "Red")
	f.place(t, f.alpha, "Blue")
	f.place(t, f.beta, "Green")
	f.log.take()

	var moved []Moved
	f.service.Moved.Register(event.Listen(func(m Moved) { moved = append(moved, m) }), 0)

	mover.Lock()
	mover.Sections.MarkTile(100, 100)
	mover.Unlock()

	if !f.service.Transfer(mover.Index(), f.beta) {
		t.Fatal("expected the transfer to happen")
	}

	want := []string{
		"Alpha: to 1: player 0 active=false",
		"Alpha: left 0",
		"Beta: deliver PlayerInfo from 0",
		"Beta: joined 0",
		"Beta: to 2: player 0 active=true",
	}
	if diff := cmp.Diff(want, f.log.take()); diff != "" {
		t.Errorf("unexpected transfer sequence; diff:\n%s", diff)
	}

	if f.router.Load(mover.Index()) != f.beta {
		t.Error("expected the route to point at Beta")
	}
	if f.alpha.Players().Get(mover.Index()) != nil {
		t.Error("expected Alpha to have released the player")
	}
	p := f.beta.Players().Get(mover.Index())
	if p == nil || !p.Active() || p.Name != "Red" || mover.Player != p {
		t.Errorf("expected Beta to own the active player, got %+v", p)
	}
	if mover.Sections.Count() != 0 {
		t.Error("expected section tracking to be reset")
	}
	if len(moved) != 1 || moved[0].From != f.alpha || moved[0].To != f.beta {
		t.Errorf("unexpected Moved notifications: %+v", moved)
	}
}

func TestTransfer_Preconditions(t *testing.T) {
	tests := map[string]func(t *testing.T, f *fixture) (int, *instance.Instance){
		"destination stopped": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			slot := f.place(t, f.alpha, "Red")
			_ = f.beta.Stop()
			return slot.Index(), f.beta
		},
		"destination retired": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			slot := f.place(t, f.alpha, "Red")
			if _, ok := f.beta.Retire(); !ok {
				t.Fatal("expected the empty destination to retire")
			}
			return slot.Index(), f.beta
		},
		"same instance": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			return f.place(t, f.alpha, "Red").Index(), f.alpha
		},
		"unassigned slot": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			slot, _ := f.arena.Claim(nil)
			return slot.Index(), f.beta
		},
		"slot out of range": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			return 100, f.beta
		},
		"nil destination": func(t *testing.T, f *fixture) (int, *instance.Instance) {
			return f.place(t, f.alpha, "Red").Index(), nil
		},
	}

	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			index, dest := setup(t, f)
			before := f.router.Load(index)
			f.log.take()

			if f.service.Transfer(index, dest) {
				t.Fatal("expected the transfer to be a no-op")
			}
			if f.router.Load(index) != before {
				t.Error("route changed on a failed transfer")
			}
			if events := f.log.take(); len(events) != 0 {
				t.Errorf("failed transfer had side effects: %v", events)
			}
		})
	}
}

func TestSchedule_RunsAfterFrame(t *testing.T) {
	f := newFixture(t)
	slot := f.place(t, f.alpha, "Red")

	slot.Lock()
	f.service.Schedule(slot, f.beta)
	if f.router.Load(slot.Index()) != f.alpha {
		t.Error("scheduled transfer ran before the frame finished")
	}
	deferred := slot.TakeDeferred()
	slot.Unlock()

	for _, fn := range deferred {
		fn()
	}
	if f.router.Load(slot.Index()) != f.beta {
		t.Error("scheduled transfer did not run")
	}
}

// Chat sent after a transfer is dispatched against the destination's handlers.
func TestTransfer_DispatchFollowsRoute(t *testing.T) {
	f := newFixture(t)
	slot := f.place(t, f.alpha, "Red")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := dispatch.New(logger)

	var seen []string
	for _, name := range []string{"Alpha", "Beta"} {
		name := name
		dispatch.Handle(d, packets.FromClient, 0, func(e *dispatch.Envelope[*packets.NetModule]) {
			seen = append(seen, name+": "+e.Packet.Chat.Text)
		}, dispatch.ForInstance(name))
	}

	chat := func(text string) {
		frame := packets.MustMarshal(&packets.NetModule{ModuleID: packets.ChatModuleID,
			Chat: packets.ChatMessage{Command: packets.ChatCommandSay, Text: text}}, packets.FromClient)
		slot.Lock()
		defer slot.Unlock()
		if _, err := d.Dispatch(frame, slot.Index(), f.router.Load(slot.Index()), packets.FromClient); err != nil {
			t.Fatal(err)
		}
	}

	chat("before")
	if !f.service.Transfer(slot.Index(), f.beta) {
		t.Fatal("transfer failed")
	}
	chat("after")

	if diff := cmp.Diff([]string{"Alpha: before", "Beta: after"}, seen); diff != "" {
		t.Errorf("chat was dispatched against the wrong instance; diff:\n%s", diff)
	}
}

// Frames processed concurrently with transfers always see a consistent owner.
func TestTransfer_ConcurrentWithDispatch(t *testing.T) {
	f := newFixture(t)
	slot := f.place(t, f.alpha, "Red")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			slot.Lock()
			owner := f.router.Load(slot.Index())
			inAlpha := f.alpha.Players().Get(slot.Index()) != nil
			inBeta := f.beta.Players().Get(slot.Index()) != nil
			slot.Unlock()

			if inAlpha == inBeta || (owner == f.alpha) != inAlpha {
				select {
				case errs <- fmt.Sprintf("inconsistent state: owner=%v alpha=%v beta=%v", owner, inAlpha, inBeta):
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		dest := f.beta
		if i%2 == 1 {
			dest = f.alpha
		}
		if !f.service.Transfer(slot.Index(), dest) {
			t.Fatalf("transfer %d failed", i)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}

	active := 0
	for _, inst := range []*instance.Instance{f.alpha, f.beta} {
		if p := inst.Players().Get(slot.Index()); p != nil && p.Active() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one instance to have the player active, got %d", active)
	}
}
