// Package world is the stock simulation engine. It does not simulate anything; it
// keeps a world ticking, relays chat between the players in it and announces
// arrivals and departures. Real simulations plug in through instance.Engine the
// same way.
package world

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/message"

	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/localization"
	"github.com/dcrodman/multiworld/internal/packets"
)

// DefaultTickRate is the simulation step of the stock engine.
const DefaultTickRate = time.Second / 60

var (
	chatColor   = packets.Color{R: 255, G: 255, B: 255}
	noticeColor = packets.Color{R: 255, G: 240, B: 20}
)

// Engine is the relay engine for a single instance.
type Engine struct {
	Logger   *logrus.Logger
	TickRate time.Duration

	inst    *instance.Instance
	printer *message.Printer

	mu    sync.Mutex
	names map[int]string
	ticks uint64
}

// NewInstance creates a stopped instance driven by a relay engine.
func NewInstance(logger *logrus.Logger, settings instance.Settings, lang string) *instance.Instance {
	e := &Engine{
		Logger:   logger,
		TickRate: DefaultTickRate,
		printer:  localization.Printer(lang),
		names:    make(map[int]string),
	}
	e.inst = instance.New(settings, e)
	return e.inst
}

func (e *Engine) Run(ctx context.Context, inst *instance.Instance) error {
	ticker := time.NewTicker(e.TickRate)
	defer ticker.Stop()

	e.Logger.Infof("[WORLD] %s running (world id %d)", inst.Name(), inst.WorldID())
	for {
		select {
		case <-ctx.Done():
			e.Logger.Infof("[WORLD] %s stopped after %d ticks", inst.Name(), e.Ticks())
			return ctx.Err()
		case <-ticker.C:
			inst.Tick()
			e.mu.Lock()
			e.ticks++
			e.mu.Unlock()
		}
	}
}

// Ticks returns the number of completed simulation steps.
func (e *Engine) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

func (e *Engine) Deliver(slot int, frame []byte) {
	t, _, err := packets.Peek(frame)
	if err != nil {
		return
	}

	switch t {
	case packets.PlayerInfoType:
		var info packets.PlayerInfo
		if err := packets.Unmarshal(frame, &info, packets.FromClient); err != nil {
			e.Logger.Debugf("[WORLD] %s: bad player info from %d: %v", e.inst.Name(), slot, err)
			return
		}
		e.mu.Lock()
		e.names[slot] = info.Name
		e.mu.Unlock()

	case packets.NetModuleType:
		var module packets.NetModule
		if err := packets.Unmarshal(frame, &module, packets.FromClient); err != nil || !module.IsChat() {
			return
		}
		if module.Chat.Command != packets.ChatCommandSay || module.Chat.Text == "" {
			return
		}
		e.inst.Broadcast(packets.MustMarshal(&packets.NetModule{
			ModuleID: packets.ChatModuleID,
			Chat: packets.ChatMessage{
				AuthorID: byte(slot),
				Message:  packets.Literal(module.Chat.Text),
				Color:    chatColor,
			},
		}, packets.FromServer), -1)
		e.Logger.Debugf("[WORLD] %s: <%s> %s", e.inst.Name(), e.Name(slot), module.Chat.Text)
	}
}

func (e *Engine) Joined(slot int) {
	name := fmt.Sprintf("player %d", slot)
	if p := e.inst.Players().Get(slot); p != nil && p.Name != "" {
		name = p.Name
	}
	e.mu.Lock()
	e.names[slot] = name
	e.mu.Unlock()

	e.inst.Broadcast(packets.ServerChat(e.printer.Sprintf(localization.PlayerJoinedWorld, name, e.inst.Name()), noticeColor), -1)
}

func (e *Engine) Left(slot int) {
	name := e.Name(slot)
	e.mu.Lock()
	delete(e.names, slot)
	e.mu.Unlock()

	e.inst.Broadcast(packets.ServerChat(e.printer.Sprintf(localization.PlayerLeftWorld, name), noticeColor), slot)
}

// Name returns the last name the player at slot synced, or "" if unknown.
func (e *Engine) Name(slot int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.names[slot]
}
