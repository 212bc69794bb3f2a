// Package permissions decides whether a player may send the packet types that
// change a world, such as tile edits.
package permissions

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/message"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/localization"
	"github.com/dcrodman/multiworld/internal/packets"
)

// DefaultCacheTTL is how long a decision is reused before the store is asked again.
const DefaultCacheTTL = 30 * time.Second

// Guarded lists the packet types that go through the Service.
var Guarded = []packets.Type{packets.TileEditType}

// Store is the source of truth for who may do what.
type Store interface {
	Allowed(world string, player *instance.Player, t packets.Type) (bool, error)
}

// ConfigStore protects whole worlds: only the listed builders may edit them.
type ConfigStore struct {
	mu        sync.RWMutex
	protected map[string]bool
	builders  map[string]bool
}

// NewConfigStore creates a store protecting worlds, where builders are exempt.
func NewConfigStore(worlds, builders []string) *ConfigStore {
	s := &ConfigStore{}
	s.Set(worlds, builders)
	return s
}

// Set replaces the protected worlds and builders. Names are case-insensitive.
func (s *ConfigStore) Set(worlds, builders []string) {
	protected := make(map[string]bool, len(worlds))
	for _, w := range worlds {
		protected[strings.ToLower(w)] = true
	}
	exempt := make(map[string]bool, len(builders))
	for _, b := range builders {
		exempt[strings.ToLower(b)] = true
	}

	s.mu.Lock()
	s.protected, s.builders = protected, exempt
	s.mu.Unlock()
}

// Protected reports whether world is protected.
func (s *ConfigStore) Protected(world string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protected[strings.ToLower(world)]
}

// Allowed lets anyone edit unprotected worlds and only builders edit protected ones.
func (s *ConfigStore) Allowed(world string, player *instance.Player, _ packets.Type) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.protected[strings.ToLower(world)] {
		return true, nil
	}
	return player != nil && s.builders[strings.ToLower(player.Name)], nil
}

// Service implements dispatch.Authorizer on top of a Store.
type Service struct {
	Logger *logrus.Logger
	Store  Store

	cache   *cache
	printer atomic.Pointer[message.Printer]
}

// New creates a Service caching decisions for ttl; zero uses DefaultCacheTTL.
func New(logger *logrus.Logger, store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s := &Service{Logger: logger, Store: store, cache: newCache(ttl)}
	s.SetLanguage("en")
	return s
}

// SetLanguage sets the language of denial messages.
func (s *Service) SetLanguage(lang string) { s.printer.Store(localization.Printer(lang)) }

// Invalidate drops every cached decision. Call it after changing the store.
func (s *Service) Invalidate() { s.cache.flush() }

// Authorize decides whether the sender may perform req, consulting the cache first.
func (s *Service) Authorize(req dispatch.Request) dispatch.Decision {
	if req.Instance == nil {
		return dispatch.Decision{Allowed: true}
	}
	player := req.Instance.Players().Get(req.Slot)

	key := cacheKey(req, player)
	allowed, found := s.cache.get(key)
	if !found {
		var err error
		allowed, err = s.Store.Allowed(req.Instance.Name(), player, req.Type)
		if err != nil {
			s.Logger.WithFields(logrus.Fields{"slot": req.Slot, "instance": req.Instance.Name(), "type": packets.Name(req.Type)}).
				Warnf("[PERMISSIONS] store failed, denying: %v", err)
			return s.deny(req)
		}
		s.cache.put(key, allowed)
	}

	if !allowed {
		return s.deny(req)
	}
	return dispatch.Decision{Allowed: true}
}

func (s *Service) deny(req dispatch.Request) dispatch.Decision {
	return dispatch.Decision{Message: s.printer.Load().Sprintf(localization.BuildDenied, req.Instance.Name())}
}

func cacheKey(req dispatch.Request, player *instance.Player) string {
	who := fmt.Sprintf("#%d", req.Slot)
	if player != nil {
		who = player.UUID + "/" + player.Name
	}
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(req.Instance.Name()), who, req.Type)
}
