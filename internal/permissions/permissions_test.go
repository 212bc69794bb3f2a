package permissions

import (
	"errors"
	"io"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func worldWith(name string, slot int, player string) *instance.Instance {
	inst := instance.New(instance.Settings{Name: name, WorldName: name}, nil)
	inst.Players().Put(slot, &instance.Player{Name: player, UUID: player + "-uuid"})
	return inst
}

func TestConfigStore_Allowed(t *testing.T) {
	store := NewConfigStore([]string{"Spawn"}, []string{"Admin"})

	tests := map[string]struct {
		world  string
		player *instance.Player
		want   bool
	}{
		"unprotected world":        {world: "Alpha", player: &instance.Player{Name: "Red"}, want: true},
		"protected world":          {world: "Spawn", player: &instance.Player{Name: "Red"}, want: false},
		"protected ignores case":   {world: "SPAWN", player: &instance.Player{Name: "Red"}, want: false},
		"builder may edit":         {world: "Spawn", player: &instance.Player{Name: "admin"}, want: true},
		"unknown player":           {world: "Spawn", player: nil, want: false},
		"unknown player elsewhere": {world: "Alpha", player: nil, want: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := store.Allowed(tt.world, tt.player, packets.TileEditType)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

type countingStore struct {
	calls   int
	allowed bool
	err     error
}

func (s *countingStore) Allowed(string, *instance.Player, packets.Type) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func TestService_CachesDecisions(t *testing.T) {
	store := &countingStore{allowed: false}
	svc := New(testLogger(), store, 0)
	inst := worldWith("Spawn", 2, "Red")
	req := dispatch.Request{Slot: 2, Instance: inst, Type: packets.TileEditType}

	for i := 0; i < 5; i++ {
		if d := svc.Authorize(req); d.Allowed {
			t.Fatal("expected the edit to be denied")
		}
	}
	if store.calls != 1 {
		t.Errorf("expected one store lookup, got %d", store.calls)
	}

	store.allowed = true
	svc.Invalidate()
	if d := svc.Authorize(req); !d.Allowed {
		t.Error("expected the edit to be allowed after invalidating")
	}
	if store.calls != 2 {
		t.Errorf("expected a second store lookup, got %d", store.calls)
	}
}

func TestService_DeniesOnStoreError(t *testing.T) {
	store := &countingStore{allowed: true, err: errors.New("unavailable")}
	svc := New(testLogger(), store, 0)
	req := dispatch.Request{Slot: 0, Instance: worldWith("Alpha", 0, "Red"), Type: packets.TileEditType}

	want := dispatch.Decision{Message: "You do not have permission to build in Alpha."}
	if diff := deep.Equal(svc.Authorize(req), want); diff != nil {
		t.Error(diff)
	}
	svc.Authorize(req)
	if store.calls != 2 {
		t.Errorf("failures should not be cached, got %d lookups", store.calls)
	}
}

func TestService_DenialMessageLocalized(t *testing.T) {
	svc := New(testLogger(), NewConfigStore([]string{"Spawn"}, nil), 0)
	svc.SetLanguage("de")
	d := svc.Authorize(dispatch.Request{Slot: 1, Instance: worldWith("Spawn", 1, "Rot"), Type: packets.TileEditType})
	if d.Allowed || d.Message != "Du hast keine Berechtigung, in Spawn zu bauen." {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestService_GuardsDispatch(t *testing.T) {
	store := NewConfigStore([]string{"Spawn"}, []string{"Admin"})
	svc := New(testLogger(), store, 0)
	d := dispatch.New(testLogger())
	d.SetAuthorizer(svc, Guarded...)

	spawn := worldWith("Spawn", 0, "Red")
	spawn.Players().Put(1, &instance.Player{Name: "Admin"})
	open := worldWith("Alpha", 0, "Red")
	edit := packets.MustMarshal(&packets.TileEdit{Action: 1, X: 10, Y: 20}, packets.FromClient)

	tests := map[string]struct {
		slot        int
		inst        *instance.Instance
		wantVerdict dispatch.Verdict
		wantMessage string
	}{
		"protected world": {slot: 0, inst: spawn, wantVerdict: dispatch.Cancel, wantMessage: "You do not have permission to build in Spawn."},
		"builder":         {slot: 1, inst: spawn, wantVerdict: dispatch.Pass},
		"open world":      {slot: 0, inst: open, wantVerdict: dispatch.Pass},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := d.Dispatch(edit, tt.slot, tt.inst, packets.FromClient)
			if err != nil {
				t.Fatal(err)
			}
			if result.Verdict != tt.wantVerdict || result.Message != tt.wantMessage {
				t.Errorf("got %s %q, want %s %q", result.Verdict, result.Message, tt.wantVerdict, tt.wantMessage)
			}
		})
	}

	// Server frames are never guarded.
	result, err := d.Dispatch(edit, 0, spawn, packets.FromServer)
	if err != nil || result.Verdict != dispatch.Pass {
		t.Errorf("expected server edits to pass, got %s, %v", result.Verdict, err)
	}

	store.Set(nil, nil)
	svc.Invalidate()
	if result, _ := d.Dispatch(edit, 0, spawn, packets.FromClient); result.Verdict != dispatch.Pass {
		t.Error("expected the edit to pass once the world is unprotected")
	}
}
