package deployment

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const logPrefix = "deployment:index"

// AvailabilityListener receives module availability changes.
type AvailabilityListener interface {
	ModuleAvailable(modules []Identity)
	ModuleUnavailable(modules []Identity)
}

// ListenerFuncs adapts two functions to an AvailabilityListener. Nil fields are skipped.
type ListenerFuncs struct {
	Available   func(modules []Identity)
	Unavailable func(modules []Identity)
}

func (l ListenerFuncs) ModuleAvailable(modules []Identity) {
	if l.Available != nil {
		l.Available(modules)
	}
}

func (l ListenerFuncs) ModuleUnavailable(modules []Identity) {
	if l.Unavailable != nil {
		l.Unavailable(modules)
	}
}

// Module is a deployed unit holding components keyed by name.
type Module struct {
	Identity   Identity
	Components map[string]*ComponentInfo
}

// NewModule creates a module from its components.
func NewModule(id Identity, components ...*ComponentInfo) *Module {
	m := &Module{Identity: id, Components: make(map[string]*ComponentInfo, len(components))}
	for _, c := range components {
		m.Components[c.Name] = c
	}
	return m
}

type moduleEntry struct {
	module    *Module
	started   bool
	available bool
}

// Index maps module identities and component names to deployed components.
// Lookups are read-mostly; mutation is driven by the deployer.
type Index struct {
	mu        sync.RWMutex
	modules   map[Identity]*moduleEntry
	listeners map[int]AvailabilityListener
	nextID    int

	// Deliveries hold notifyMu shared plus their identity's lock, so events for
	// one module stay ordered while other modules proceed. Replay holds
	// notifyMu exclusively. Identity locks are never pruned so an undeploy and
	// a redeploy of the same identity share one.
	notifyMu  sync.RWMutex
	deliverMu map[Identity]*sync.Mutex
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		modules:   make(map[Identity]*moduleEntry),
		listeners: make(map[int]AvailabilityListener),
		deliverMu: make(map[Identity]*sync.Mutex),
	}
}

// Deploy adds a module. It is not resolvable until started.
func (x *Index) Deploy(m *Module) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.modules[m.Identity]; exists {
		return fmt.Errorf("%s - module %s already deployed", logPrefix, m.Identity)
	}
	x.modules[m.Identity] = &moduleEntry{module: m}
	slog.Debug(fmt.Sprintf("%s - Deployed module %s", logPrefix, m.Identity))
	return nil
}

// Start makes a deployed module resolvable.
func (x *Index) Start(id Identity) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.modules[id]
	if !ok {
		return fmt.Errorf("%s - module %s is not deployed", logPrefix, id)
	}
	e.started = true
	slog.Debug(fmt.Sprintf("%s - Started module %s", logPrefix, id))
	return nil
}

// MarkAvailable announces a module as ready for remote dispatch, starting it if needed.
func (x *Index) MarkAvailable(id Identity) error {
	unlock := x.lockDelivery(id)
	defer unlock()

	x.mu.Lock()
	e, ok := x.modules[id]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("%s - module %s is not deployed", logPrefix, id)
	}
	e.started = true
	already := e.available
	e.available = true
	listeners := x.snapshotListeners()
	x.mu.Unlock()

	if already {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Module %s available", logPrefix, id))
	for _, l := range listeners {
		l.ModuleAvailable([]Identity{id})
	}
	return nil
}

// Undeploy removes a module, announcing it unavailable if it was available.
func (x *Index) Undeploy(id Identity) error {
	unlock := x.lockDelivery(id)
	defer unlock()

	x.mu.Lock()
	e, ok := x.modules[id]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("%s - module %s is not deployed", logPrefix, id)
	}
	delete(x.modules, id)
	listeners := x.snapshotListeners()
	x.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Module %s removed", logPrefix, id))
	if !e.available {
		return nil
	}
	for _, l := range listeners {
		l.ModuleUnavailable([]Identity{id})
	}
	return nil
}

// Resolve returns the named component of a started module.
func (x *Index) Resolve(id Identity, name string) (*ComponentInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.modules[id]
	if !ok || !e.started {
		return nil, false
	}
	ci, ok := e.module.Components[name]
	return ci, ok
}

// ResolveAny returns an arbitrary component of the started (app, module, "")
// module. It is a best-effort lookup.
func (x *Index) ResolveAny(app, module string) (*ComponentInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.modules[NewIdentity(app, module, "")]
	if !ok || !e.started || len(e.module.Components) == 0 {
		return nil, false
	}
	names := make([]string, 0, len(e.module.Components))
	for n := range e.module.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return e.module.Components[names[0]], true
}

// Available returns the identities of all available modules.
func (x *Index) Available() []Identity {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.availableLocked()
}

// Subscribe registers l and immediately replays the current available set to
// it. The returned function removes the listener; it is safe to call twice.
func (x *Index) Subscribe(l AvailabilityListener) (unsubscribe func()) {
	x.notifyMu.Lock()
	defer x.notifyMu.Unlock()

	x.mu.Lock()
	id := x.nextID
	x.nextID++
	x.listeners[id] = l
	current := x.availableLocked()
	x.mu.Unlock()

	if len(current) > 0 {
		l.ModuleAvailable(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			x.mu.Lock()
			delete(x.listeners, id)
			x.mu.Unlock()
		})
	}
}

// lockDelivery serializes availability delivery for id.
func (x *Index) lockDelivery(id Identity) (unlock func()) {
	x.notifyMu.RLock()
	x.mu.Lock()
	m, ok := x.deliverMu[id]
	if !ok {
		m = &sync.Mutex{}
		x.deliverMu[id] = m
	}
	x.mu.Unlock()
	m.Lock()
	return func() {
		m.Unlock()
		x.notifyMu.RUnlock()
	}
}

func (x *Index) availableLocked() []Identity {
	out := make([]Identity, 0, len(x.modules))
	for id, e := range x.modules {
		if e.available {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (x *Index) snapshotListeners() []AvailabilityListener {
	ids := make([]int, 0, len(x.listeners))
	for id := range x.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]AvailabilityListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, x.listeners[id])
	}
	return out
}
