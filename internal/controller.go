package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcrodman/multiworld/internal/admission"
	"github.com/dcrodman/multiworld/internal/commands"
	"github.com/dcrodman/multiworld/internal/core"
	"github.com/dcrodman/multiworld/internal/core/debug"
	"github.com/dcrodman/multiworld/internal/discovery"
	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/frontend"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/permissions"
	"github.com/dcrodman/multiworld/internal/session"
	"github.com/dcrodman/multiworld/internal/transfer"
	"github.com/dcrodman/multiworld/internal/world"
)

var ErrNotStarted = errors.New("controller not started")

// Controller is the main entrypoint for the server. It builds the shared pieces
// (registry, slots, router, dispatcher), wires the services around them and
// launches everything.
type Controller struct {
	Logger *logrus.Logger

	Registry    *instance.Registry
	Arena       *session.Arena
	Router      *session.Router
	Dispatcher  *dispatch.Dispatcher
	Admission   *admission.Machine
	Frontend    *frontend.Frontend
	Transfers   *transfer.Service
	Commands    *commands.Interceptor
	Permissions *permissions.Service

	store *permissions.ConfigStore

	mu     sync.Mutex
	config *core.Config
	ctx    context.Context
	group  *errgroup.Group
	pprof  *http.Server
}

// NewController builds every component from cfg. Nothing runs until Start.
func NewController(cfg *core.Config, logger *logrus.Logger) *Controller {
	c := &Controller{
		Logger:   logger,
		Registry: &instance.Registry{},
		Arena:    session.NewArena(cfg.Launcher.MaxConnections),
		Router:   &session.Router{},
		config:   cfg,
	}
	c.Dispatcher = dispatch.New(logger)
	c.Admission = admission.New(logger, c.Registry, c.Router, c.Dispatcher)
	c.Frontend = frontend.New(logger, c.Arena, c.Router, c.Dispatcher, c.Admission)
	c.Transfers = transfer.New(logger, c.Arena, c.Router)
	c.Commands = commands.New(logger, c.Registry, c.Transfers)
	c.Commands.Attach(c.Dispatcher)

	c.store = permissions.NewConfigStore(cfg.Permissions.ProtectedWorlds, cfg.Permissions.Builders)
	c.Permissions = permissions.New(logger, c.store, time.Duration(cfg.Permissions.CacheSeconds)*time.Second)
	c.Dispatcher.SetAuthorizer(c.Permissions, permissions.Guarded...)

	c.Admission.SetVersion(cfg.Launcher.ProtocolVersion)
	c.applyPassword(cfg)
	c.applyJoinPolicy(cfg)
	c.applyLanguage(cfg)
	c.Dispatcher.SetStrict(cfg.Launcher.StrictPackets)
	c.Dispatcher.SetTrace(cfg.Debugging.PacketLogging)
	c.Commands.SetPrefix(cfg.Launcher.CommandPrefix)

	c.Registry.Added.Register(event.Listen(func(inst *instance.Instance) {
		logger.Infof("[REGISTRY] added %s (world %s)", inst.Name(), inst.Settings().WorldName)
	}), 0)
	c.Registry.Removed.Register(event.Listen(func(inst *instance.Instance) {
		logger.Infof("[REGISTRY] removed %s", inst.Name())
	}), 0)
	return c
}

// Config returns the config currently applied.
func (c *Controller) Config() *core.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Start launches the auto-start instances, the listener and the optional services.
// Everything runs until ctx is cancelled; Wait blocks until it has all stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.config
	c.group, c.ctx = errgroup.WithContext(ctx)
	c.mu.Unlock()

	for _, server := range cfg.Launcher.AutoStart {
		_, _ = c.AddServer(server)
	}

	if err := c.Frontend.Listen(cfg.ListenAddr()); err != nil {
		c.shutdown()
		return fmt.Errorf("starting listener: %w", err)
	}

	if cfg.Debugging.PprofEnabled {
		server, err := debug.StartPprofServer(c.Logger, cfg.Debugging.PprofPort)
		if err != nil {
			c.Logger.Warnf("%v", err)
		}
		c.pprof = server
	}

	if cfg.Discovery.Enabled {
		broadcaster := &discovery.Broadcaster{
			Logger:   c.Logger,
			Port:     cfg.Discovery.Port,
			Interval: time.Duration(cfg.Discovery.Interval) * time.Second,
			Source:   c.announcement,
		}
		c.group.Go(func() error {
			// The server is still reachable without discovery.
			if err := broadcaster.Run(c.ctx); err != nil {
				c.Logger.Warnf("[DISCOVERY] %v", err)
			}
			return nil
		})
	}

	c.group.Go(func() error {
		<-c.ctx.Done()
		c.shutdown()
		return nil
	})
	return nil
}

// Wait blocks until everything started by Start has stopped.
func (c *Controller) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return ErrNotStarted
	}
	return group.Wait()
}

func (c *Controller) shutdown() {
	c.Frontend.Shutdown()
	for _, inst := range c.Registry.Snapshot() {
		if err := inst.Stop(); err != nil {
			c.Logger.Warnf("[REGISTRY] %s stopped with error: %v", inst.Name(), err)
		}
	}
	if c.pprof != nil {
		_ = c.pprof.Close()
	}
}

func (c *Controller) announcement() discovery.Announcement {
	a := discovery.Announcement{
		Players:    c.Registry.ActivePlayers(),
		MaxPlayers: c.Arena.Cap(),
		World:      "multiworld",
	}
	if addr, ok := c.Frontend.Addr().(*net.TCPAddr); ok {
		a.Port = addr.Port
	}
	if running := c.Registry.Running(); len(running) > 0 {
		a.World = running[0].Settings().WorldName
	}
	if host, err := os.Hostname(); err == nil {
		a.Host = host
	}
	return a
}

// AddServer creates an instance from a config or command line server entry. Bad
// values are logged and replaced by defaults; an entry without a name or world name
// is logged and skipped.
func (c *Controller) AddServer(server core.ServerConfig) (*instance.Instance, error) {
	settings, warnings, err := server.Settings()
	for _, w := range warnings {
		c.Logger.Warnf("[REGISTRY] %s", w)
	}
	if err != nil {
		c.Logger.Warnf("[REGISTRY] not creating server %q: %v", server.Name, err)
		return nil, err
	}
	return c.AddInstance(settings)
}

// AddInstance registers and starts a relay world with settings.
func (c *Controller) AddInstance(settings instance.Settings) (*instance.Instance, error) {
	c.mu.Lock()
	ctx, lang := c.ctx, c.config.Launcher.Language
	c.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotStarted
	}

	inst := world.NewInstance(c.Logger, settings, lang)
	if err := c.Registry.Add(inst); err != nil {
		c.Logger.Warnf("[REGISTRY] not adding %s: %v", settings.Name, err)
		return nil, err
	}
	if err := inst.Start(ctx, c.Frontend); err != nil {
		_, _ = c.Registry.Remove(inst.Name())
		return nil, fmt.Errorf("starting %s: %w", inst.Name(), err)
	}
	return inst, nil
}

// RemoveInstance stops and unregisters the instance called name. An instance with
// players still in it is left alone and instance.ErrInstanceOccupied returned.
func (c *Controller) RemoveInstance(name string) error {
	inst, err := c.Registry.Remove(name)
	if err != nil {
		return err
	}
	if err := inst.Stop(); err != nil {
		c.Logger.Warnf("[REGISTRY] %s stopped with error: %v", inst.Name(), err)
	}
	return nil
}

// Transfer moves the player at slot to the instance called name.
func (c *Controller) Transfer(slot int, name string) bool {
	dest := c.Registry.Find(name)
	if dest == nil {
		return false
	}
	return c.Transfers.Transfer(slot, dest)
}

// Watch applies every change made to the loader's file while the server runs.
func (c *Controller) Watch(loader *core.Loader) {
	loader.Watch(func(_, updated *core.Config, warnings []string) {
		for _, w := range warnings {
			c.Logger.Warnf("[CONFIG] %s", w)
		}
		c.ApplyConfig(updated)
	}, func(err error) {
		c.Logger.Warnf("[CONFIG] ignoring config change: %v", err)
	})
}

// ApplyConfig brings the running server in line with updated as far as possible.
// Changes that can't be applied live are logged and skipped.
func (c *Controller) ApplyConfig(updated *core.Config) core.Changes {
	c.mu.Lock()
	old := c.config
	c.mu.Unlock()

	changes := core.Diff(old, updated)
	if changes.Empty() {
		return changes
	}

	if changes.Password {
		c.applyPassword(updated)
	}
	if changes.JoinPolicy && !c.applyJoinPolicy(updated) {
		updated.Launcher.JoinServer = old.Launcher.JoinServer
	}
	if changes.Strict {
		c.Dispatcher.SetStrict(updated.Launcher.StrictPackets)
		c.Logger.Infof("[CONFIG] strict packets: %v", updated.Launcher.StrictPackets)
	}
	if changes.PacketLogging {
		c.Dispatcher.SetTrace(updated.Debugging.PacketLogging)
	}
	if changes.Language {
		c.applyLanguage(updated)
	}
	if changes.CommandPrefix {
		c.Commands.SetPrefix(updated.Launcher.CommandPrefix)
	}
	if changes.Permissions {
		c.store.Set(updated.Permissions.ProtectedWorlds, updated.Permissions.Builders)
		c.Permissions.Invalidate()
		c.Logger.Infof("[CONFIG] protected worlds: %v", updated.Permissions.ProtectedWorlds)
	}
	if changes.Listen {
		if err := c.Frontend.Rebind(updated.ListenAddr()); err != nil {
			c.Logger.Warnf("[CONFIG] %v", err)
			updated.Launcher.ListenAddress = old.Launcher.ListenAddress
			updated.Launcher.ListenPort = old.Launcher.ListenPort
		}
	}
	for _, w := range changes.Unsupported {
		c.Logger.Warnf("[CONFIG] %s cannot be changed while running; restart to apply", w)
	}

	c.mu.Lock()
	c.config = updated
	c.mu.Unlock()

	for _, server := range changes.AddedServers {
		_, _ = c.AddServer(server)
	}
	return changes
}

func (c *Controller) applyPassword(cfg *core.Config) {
	c.Admission.SetPassword(cfg.Launcher.ServerPassword)
}

func (c *Controller) applyJoinPolicy(cfg *core.Config) bool {
	if err := c.Admission.SetPolicy(cfg.Launcher.JoinServer); err != nil {
		c.Logger.Warnf("[CONFIG] %v, keeping %s", err, c.Admission.PolicyName())
		return false
	}
	return true
}

func (c *Controller) applyLanguage(cfg *core.Config) {
	lang := cfg.Launcher.Language
	c.Admission.SetLanguage(lang)
	c.Frontend.SetLanguage(lang)
	c.Commands.SetLanguage(lang)
	c.Permissions.SetLanguage(lang)
}
