package mediatx

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Route says where a message type is handled.
type Route int

const (
	// Local messages are handled by handlers in this process.
	Local Route = iota + 1
	// Remote messages are published to the transport.
	Remote
)

func (r Route) String() string {
	switch r {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unset"
	}
}

// Mode controls what happens to message types with no routing entry.
type Mode int

const (
	// Explicit rejects unregistered types with ErrNotRegistered.
	Explicit Mode = iota
	// ImplicitLocal treats unregistered notifications as local with no
	// subscribers. Unregistered requests fail with ErrNoHandler.
	ImplicitLocal
	// ImplicitRemote sends every unregistered type to the transport.
	ImplicitRemote
)

func (m Mode) String() string {
	switch m {
	case ImplicitLocal:
		return "implicit-local"
	case ImplicitRemote:
		return "implicit-remote"
	default:
		return "explicit"
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "explicit":
		return Explicit, nil
	case "implicit-local", "local":
		return ImplicitLocal, nil
	case "implicit-remote", "remote":
		return ImplicitRemote, nil
	default:
		return Explicit, fmt.Errorf("unknown routing mode %q", s)
	}
}

// RoutingEntry is the routing policy for one message type.
type RoutingEntry struct {
	Name  string
	Kind  Kind
	Route Route

	// Listen is set for request types this process serves from the transport.
	Listen bool

	// Handler names the local request handler, if any.
	Handler string

	// Subscribers names the local notification subscribers in registration order.
	Subscribers []string

	request     *requestBinding
	subscribers []subscriberBinding
	decode      decodeFunc
}

type decodeFunc func(payload []byte) (any, error)

type requestBinding struct {
	handler string
	invoke  func(ctx context.Context, msg any) (any, error)
	decode  decodeFunc
}

type subscriberBinding struct {
	name   string
	invoke func(ctx context.Context, msg any) error
}

// Registry holds the routing policy of every registered message type. It is
// populated at startup and sealed when the mediator starts; lookups are safe
// for concurrent use at any time.
type Registry struct {
	mu      sync.RWMutex
	mode    Mode
	entries map[string]*RoutingEntry
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(mode Mode) *Registry {
	return &Registry{
		mode:    mode,
		entries: make(map[string]*RoutingEntry),
	}
}

// Mode reports how unregistered types are treated.
func (r *Registry) Mode() Mode {
	return r.mode
}

// Lookup resolves the routing entry for a message type.
func (r *Registry) Lookup(name string, kind Kind) (RoutingEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if ok {
		if e.Kind != kind {
			return RoutingEntry{}, configError(name, fmt.Errorf("%w: registered as %s, used as %s", ErrKindConflict, e.Kind, kind))
		}
		out := *e
		if out.Route == 0 {
			out.Route = Local
		}
		return out, nil
	}

	switch r.mode {
	case ImplicitRemote:
		return RoutingEntry{Name: name, Kind: kind, Route: Remote}, nil
	case ImplicitLocal:
		if kind == KindNotification {
			return RoutingEntry{Name: name, Kind: kind, Route: Local}, nil
		}
		return RoutingEntry{}, configError(name, ErrNoHandler)
	default:
		return RoutingEntry{}, configError(name, ErrNotRegistered)
	}
}

// Entries returns a snapshot of every entry sorted by name.
func (r *Registry) Entries() []RoutingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoutingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		c := *e
		c.Subscribers = slices.Clone(e.Subscribers)
		if c.Route == 0 {
			c.Route = Local
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// seal rejects further registration.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// update applies fn to a copy of the entry for name and stores it if fn
// succeeds. Readers never observe a half-applied registration.
func (r *Registry) update(name string, kind Kind, fn func(e *RoutingEntry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return configError(name, ErrStarted)
	}

	next := RoutingEntry{Name: name, Kind: kind}
	if cur, ok := r.entries[name]; ok {
		if cur.Kind != kind {
			return configError(name, fmt.Errorf("%w: registered as %s", ErrKindConflict, cur.Kind))
		}
		next = *cur
		next.Subscribers = slices.Clone(cur.Subscribers)
		next.subscribers = slices.Clone(cur.subscribers)
	}

	if err := fn(&next); err != nil {
		return configError(name, err)
	}
	r.entries[name] = &next
	return nil
}

func (e *RoutingEntry) setRoute(route Route) error {
	if e.Route != 0 && e.Route != route {
		return fmt.Errorf("%w: %s, cannot become %s", ErrRouteConflict, e.Route, route)
	}
	e.Route = route
	return nil
}
