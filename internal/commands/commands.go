// Package commands intercepts chat lines starting with the command prefix and runs
// them on the server instead of relaying them to the world.
package commands

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/message"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/localization"
	"github.com/dcrodman/multiworld/internal/packets"
	"github.com/dcrodman/multiworld/internal/transfer"
)

const (
	DefaultPrefix = "/"
	// Priority runs the interceptor ahead of ordinary chat handlers.
	Priority = -1000
)

var replyColor = packets.Color{R: 255, G: 200, B: 90}

// Context is what a command is invoked with.
type Context struct {
	Slot     int
	Instance *instance.Instance
	Args     []string

	interceptor *Interceptor
}

// Reply sends a chat line back to the player who ran the command.
func (c *Context) Reply(key string, args ...interface{}) {
	text := c.interceptor.printer.Load().Sprintf(key, args...)
	c.Instance.Send(c.Slot, packets.ServerChat(text, replyColor))
}

// Handler runs a command.
type Handler func(c *Context)

// Interceptor owns the command table.
type Interceptor struct {
	Logger    *logrus.Logger
	Registry  *instance.Registry
	Transfers *transfer.Service

	prefix  atomic.Pointer[string]
	printer atomic.Pointer[message.Printer]

	mu       sync.RWMutex
	handlers map[string]Handler

	listener *event.Listener[*dispatch.Envelope[*packets.NetModule]]
}

// New creates an Interceptor with the built-in commands: worlds and goto.
func New(logger *logrus.Logger, registry *instance.Registry, transfers *transfer.Service) *Interceptor {
	c := &Interceptor{Logger: logger, Registry: registry, Transfers: transfers, handlers: make(map[string]Handler)}
	c.SetPrefix(DefaultPrefix)
	c.SetLanguage("en")
	c.Register("worlds", c.worlds)
	c.Register("goto", c.gotoWorld)
	return c
}

// SetPrefix sets the string that marks a chat line as a command.
func (c *Interceptor) SetPrefix(prefix string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	c.prefix.Store(&prefix)
}

// Prefix returns the prefix marking chat as a command.
func (c *Interceptor) Prefix() string { return *c.prefix.Load() }

// SetLanguage sets the language of command replies.
func (c *Interceptor) SetLanguage(lang string) { c.printer.Store(localization.Printer(lang)) }

// Register adds or replaces the command name (case-insensitive).
func (c *Interceptor) Register(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(name)] = h
}

// Attach installs the interceptor on d's client chat chain. Attaching twice is a
// no-op.
func (c *Interceptor) Attach(d *dispatch.Dispatcher) {
	if c.listener == nil {
		c.listener = event.Listen(c.intercept)
	}
	dispatch.Register(d, packets.FromClient, c.listener, Priority)
}

// Detach removes the interceptor from d.
func (c *Interceptor) Detach(d *dispatch.Dispatcher) {
	if c.listener != nil {
		dispatch.Unregister(d, packets.FromClient, c.listener)
	}
}

func (c *Interceptor) intercept(e *dispatch.Envelope[*packets.NetModule]) {
	if !e.Packet.IsChat() || e.Packet.Chat.Command != packets.ChatCommandSay || e.Instance == nil {
		return
	}
	prefix := c.Prefix()
	line := strings.TrimSpace(e.Packet.Chat.Text)
	if !strings.HasPrefix(line, prefix) {
		return
	}

	// Commands never reach the world.
	e.Cancel()
	e.StopChain()

	fields := strings.Fields(strings.TrimPrefix(line, prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	ctx := &Context{Slot: e.Slot, Instance: e.Instance, Args: fields[1:], interceptor: c}

	c.mu.RLock()
	h, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		ctx.Reply(localization.UnknownCommand, prefix+name)
		return
	}

	c.Logger.WithFields(logrus.Fields{"slot": e.Slot, "instance": e.Instance.Name(), "command": name}).
		Debug("[COMMANDS] running command")
	h(ctx)
}

func (c *Interceptor) worlds(ctx *Context) {
	var names []string
	for _, inst := range c.Registry.Running() {
		name := inst.Name()
		if inst == ctx.Instance {
			name += "*"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	ctx.Reply(localization.WorldsList, strings.Join(names, ", "))
}

func (c *Interceptor) gotoWorld(ctx *Context) {
	if len(ctx.Args) != 1 {
		ctx.Reply(localization.GotoUsage, c.Prefix())
		return
	}

	dest := c.Registry.Find(ctx.Args[0])
	switch {
	case dest == nil || !dest.Running():
		ctx.Reply(localization.WorldNotFound, ctx.Args[0])
	case dest == ctx.Instance:
		ctx.Reply(localization.AlreadyInWorld, dest.Name())
	default:
		slot := c.Transfers.Arena.Slot(ctx.Slot)
		if slot == nil {
			return
		}
		ctx.Reply(localization.MovingTo, dest.Name())
		c.Transfers.Schedule(slot, dest)
	}
}
