package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/events"
)

const publisherTestPrefix = "discovery:publisher_test"

var (
	moduleA = deployment.NewIdentity("app1", "modA", "")
	moduleB = deployment.NewIdentity("app1", "modB", "blue")
)

type recordedEvents struct {
	mu     sync.Mutex
	events []events.EndpointChangedEvent
}

func (r *recordedEvents) publisher() events.EventPublisher {
	return events.NewCallbackPublisher(func(_ context.Context, e *events.EndpointChangedEvent) error {
		r.mu.Lock()
		r.events = append(r.events, *e)
		r.mu.Unlock()
		return nil
	})
}

func (r *recordedEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func countModule(r *LocalRegistry, id deployment.Identity) int {
	return len(r.Lookup(Filter{AttrModule: id.App + "/" + id.Module}))
}

func TestPublisher_AvailableThenUnavailable(t *testing.T) {
	registry := NewLocalRegistry(nil)
	p := NewPublisher(registry, nil)

	p.ModuleAvailable([]deployment.Identity{moduleA})
	if countModule(registry, moduleA) != 1 {
		t.Fatalf("%s - expected one entry after available", publisherTestPrefix)
	}

	p.ModuleUnavailable([]deployment.Identity{moduleA})
	if n := countModule(registry, moduleA); n != 0 {
		t.Errorf("%s - %d entries after unavailable, want 0", publisherTestPrefix, n)
	}
	if p.Len() != 0 {
		t.Errorf("%s - publisher still tracks %d registrations", publisherTestPrefix, p.Len())
	}
}

func TestPublisher_DuplicateAvailableIsIdempotent(t *testing.T) {
	registry := NewLocalRegistry(nil)
	rec := &recordedEvents{}
	p := NewPublisher(registry, &PublisherOpts{Events: rec.publisher()})

	p.ModuleAvailable([]deployment.Identity{moduleA})
	p.ModuleAvailable([]deployment.Identity{moduleA})

	if n := countModule(registry, moduleA); n != 1 {
		t.Errorf("%s - %d entries after duplicate available, want 1", publisherTestPrefix, n)
	}
	if got := rec.types(); len(got) != 1 {
		t.Errorf("%s - events = %v, want a single available event", publisherTestPrefix, got)
	}
}

func TestPublisher_UnknownUnavailableIgnored(t *testing.T) {
	registry := NewLocalRegistry(nil)
	rec := &recordedEvents{}
	p := NewPublisher(registry, &PublisherOpts{Events: rec.publisher()})

	p.ModuleUnavailable([]deployment.Identity{moduleA})
	p.ModuleAvailable([]deployment.Identity{moduleA})
	p.ModuleUnavailable([]deployment.Identity{moduleA})
	p.ModuleUnavailable([]deployment.Identity{moduleA})

	got := rec.types()
	want := []string{events.EndpointAvailable, events.EndpointUnavailable}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("%s - events = %v, want %v", publisherTestPrefix, got, want)
	}
}

func TestPublisher_EventFields(t *testing.T) {
	rec := &recordedEvents{}
	p := NewPublisher(NewLocalRegistry(nil), &PublisherOpts{Events: rec.publisher(), Node: "node-1"})

	p.ModuleAvailable([]deployment.Identity{moduleB})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("%s - expected one event, got %d", publisherTestPrefix, len(rec.events))
	}
	e := rec.events[0]
	if e.App != "app1" || e.Module != "modB" || e.Distinct != "blue" || e.Node != "node-1" {
		t.Errorf("%s - unexpected event %+v", publisherTestPrefix, e)
	}
	if e.ServiceURL != DescriptorFor(moduleB).String() {
		t.Errorf("%s - ServiceURL = %q", publisherTestPrefix, e.ServiceURL)
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		t.Errorf("%s - bad timestamp %q: %v", publisherTestPrefix, e.Timestamp, err)
	}
}

// blockingRegistrar holds Register for one descriptor until released.
type blockingRegistrar struct {
	*LocalRegistry
	blockModule string
	entered     chan struct{}
	release     chan struct{}
}

func (b *blockingRegistrar) Register(u ServiceURL) Registration {
	if u.Attribute(AttrModule)[0] == b.blockModule {
		close(b.entered)
		<-b.release
	}
	return b.LocalRegistry.Register(u)
}

func TestPublisher_DifferentModulesDoNotBlock(t *testing.T) {
	registry := NewLocalRegistry(nil)
	blocking := &blockingRegistrar{
		LocalRegistry: registry,
		blockModule:   "app1/modA",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	p := NewPublisher(blocking, nil)

	doneA := make(chan struct{})
	go func() {
		p.ModuleAvailable([]deployment.Identity{moduleA})
		close(doneA)
	}()
	<-blocking.entered

	doneB := make(chan struct{})
	go func() {
		p.ModuleAvailable([]deployment.Identity{moduleB})
		close(doneB)
	}()

	select {
	case <-doneB:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - registering B blocked behind A", publisherTestPrefix)
	}

	close(blocking.release)
	<-doneA

	if got := p.Registered(); len(got) != 2 {
		t.Errorf("%s - registered = %v, want both modules", publisherTestPrefix, got)
	}
}

func TestPublisher_ConcurrentSameModule(t *testing.T) {
	registry := NewLocalRegistry(nil)
	p := NewPublisher(registry, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				p.ModuleAvailable([]deployment.Identity{moduleA})
			} else {
				p.ModuleUnavailable([]deployment.Identity{moduleA})
			}
		}(i)
	}
	wg.Wait()

	n := countModule(registry, moduleA)
	tracked := p.Len()
	if n > 1 {
		t.Fatalf("%s - %d entries for one module", publisherTestPrefix, n)
	}
	if n != tracked {
		t.Errorf("%s - registry has %d entries but publisher tracks %d", publisherTestPrefix, n, tracked)
	}
}

func TestPublisher_SubscribedToIndex(t *testing.T) {
	index := deployment.NewIndex()
	if err := index.Deploy(deployment.NewModule(moduleA)); err != nil {
		t.Fatalf("%s - deploy failed: %v", publisherTestPrefix, err)
	}
	if err := index.MarkAvailable(moduleA); err != nil {
		t.Fatalf("%s - mark available failed: %v", publisherTestPrefix, err)
	}

	registry := NewLocalRegistry(nil)
	p := NewPublisher(registry, nil)
	unsubscribe := index.Subscribe(p)
	defer unsubscribe()

	if countModule(registry, moduleA) != 1 {
		t.Fatalf("%s - subscribe must replay already-available modules", publisherTestPrefix)
	}

	if err := index.Undeploy(moduleA); err != nil {
		t.Fatalf("%s - undeploy failed: %v", publisherTestPrefix, err)
	}
	if registry.Len() != 0 {
		t.Errorf("%s - undeploy must remove the entry, %d left", publisherTestPrefix, registry.Len())
	}
}

func TestPublisher_Close(t *testing.T) {
	registry := NewLocalRegistry(nil)
	p := NewPublisher(registry, nil)
	p.ModuleAvailable([]deployment.Identity{moduleA, moduleB})

	if err := p.Close(); err != nil {
		t.Fatalf("%s - Close failed: %v", publisherTestPrefix, err)
	}
	if registry.Len() != 0 || p.Len() != 0 {
		t.Errorf("%s - Close left registry=%d publisher=%d", publisherTestPrefix, registry.Len(), p.Len())
	}
}
