package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const registryLogPrefix = "discovery:registry"

const mirrorTimeout = 5 * time.Second

// Registration removes a published entry when closed. Close is idempotent.
type Registration interface {
	Close() error
}

// Registrar publishes descriptors.
type Registrar interface {
	Register(u ServiceURL) Registration
}

// Mirror receives a copy of every registry change, e.g. a database table.
type Mirror interface {
	PutEndpoint(ctx context.Context, id string, u ServiceURL) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// Entry is a registered descriptor with its registration id.
type Entry struct {
	ID  string     `json:"id"`
	URL ServiceURL `json:"url"`
}

// LocalRegistry is the process-wide registry of discoverable endpoints. It
// is created and closed by the hosting process.
type LocalRegistry struct {
	mu      sync.RWMutex
	entries map[string]ServiceURL
	mirror  Mirror
}

// NewLocalRegistry creates a registry. mirror may be nil.
func NewLocalRegistry(mirror Mirror) *LocalRegistry {
	return &LocalRegistry{
		entries: make(map[string]ServiceURL),
		mirror:  mirror,
	}
}

// Register publishes u and returns the handle that removes it.
func (r *LocalRegistry) Register(u ServiceURL) Registration {
	id := uuid.NewString()

	r.mu.Lock()
	r.entries[id] = u
	r.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - Registered %s as %s", registryLogPrefix, u, id))
	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.PutEndpoint(ctx, id, u); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to mirror registration %s: %v", registryLogPrefix, id, err))
		}
	}
	return &registration{registry: r, id: id}
}

// Lookup returns the descriptors matching f, ordered by their string form.
func (r *LocalRegistry) Lookup(f Filter) []ServiceURL {
	r.mu.RLock()
	out := make([]ServiceURL, 0, len(r.entries))
	for _, u := range r.entries {
		if u.Matches(f) {
			out = append(out, u)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Entries returns every registration.
func (r *LocalRegistry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for id, u := range r.entries {
		out = append(out, Entry{ID: id, URL: u})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL.String() < out[j].URL.String() })
	return out
}

// Len returns the number of registrations.
func (r *LocalRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *LocalRegistry) remove(id string) error {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	slog.Debug(fmt.Sprintf("%s - Removed registration %s", registryLogPrefix, id))
	if r.mirror == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.DeleteEndpoint(ctx, id); err != nil {
		return fmt.Errorf("%s - failed to remove mirrored registration %s: %w", registryLogPrefix, id, err)
	}
	return nil
}

type registration struct {
	registry *LocalRegistry
	id       string
	once     sync.Once
	err      error
}

func (reg *registration) Close() error {
	reg.once.Do(func() {
		reg.err = reg.registry.remove(reg.id)
	})
	return reg.err
}
