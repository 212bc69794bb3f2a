package admission

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/dcrodman/multiworld/internal/instance"
)

// Policy picks the instance a newly admitted connection joins from the running
// instances, in registry order. Returning nil rejects the connection.
type Policy interface {
	Select(slot int, running []*instance.Instance) *instance.Instance
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(slot int, running []*instance.Instance) *instance.Instance

func (f PolicyFunc) Select(slot int, running []*instance.Instance) *instance.Instance {
	return f(slot, running)
}

// Built in policy names.
const (
	PolicyFirst  = "first"
	PolicyRandom = "random"
	PolicyNone   = "none"
)

var (
	policiesMu sync.RWMutex
	policies   = map[string]Policy{
		PolicyFirst: PolicyFunc(func(_ int, running []*instance.Instance) *instance.Instance {
			if len(running) == 0 {
				return nil
			}
			return running[0]
		}),
		PolicyRandom: PolicyFunc(func(_ int, running []*instance.Instance) *instance.Instance {
			if len(running) == 0 {
				return nil
			}
			return running[rand.Intn(len(running))]
		}),
		PolicyNone: PolicyFunc(func(int, []*instance.Instance) *instance.Instance {
			return nil
		}),
	}
)

// RegisterPolicy makes p available under name (case-insensitive), replacing any
// policy already registered with that name.
func RegisterPolicy(name string, p Policy) {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	policies[strings.ToLower(name)] = p
}

// LookupPolicy returns the policy registered under name.
func LookupPolicy(name string) (Policy, error) {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	p, ok := policies[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown join policy %q (available: %s)", name, strings.Join(policyNames(), ", "))
	}
	return p, nil
}

// policyNames must be called with policiesMu held.
func policyNames() []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
