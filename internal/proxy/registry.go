package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// fanout delivers status snapshots to any number of subscribers, in
// subscription order. It occupies the bridge's single observer slot.
type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Status)
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]func(Status))}
}

func (f *fanout) publish(s Status) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fanout) subscribe(fn func(Status)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

type shared struct {
	bridge *Bridge
	fan    *fanout
}

// Registry holds at most one shared bridge so that independent consumers
// reuse a single channel to the frame instead of opening duplicates.
type Registry struct {
	mu   sync.Mutex
	inst *shared
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) getOrCreate(cfg Config) (*shared, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst != nil {
		return r.inst, nil
	}
	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	s := &shared{bridge: b, fan: newFanout()}
	b.OnStatusChanged(s.fan.publish)
	r.inst = s
	return s, nil
}

// GetOrCreate returns the shared bridge, constructing it with cfg on first
// use. The configuration of later calls is ignored.
func (r *Registry) GetOrCreate(cfg Config) (*Bridge, error) {
	s, err := r.getOrCreate(cfg)
	if err != nil {
		return nil, err
	}
	return s.bridge, nil
}

// ResetForTesting forgets the shared bridge without disposing it, so the next
// GetOrCreate builds a fresh one.
func (r *Registry) ResetForTesting() {
	r.mu.Lock()
	r.inst = nil
	r.mu.Unlock()
}

// Close disposes the shared bridge, if any, and forgets it.
func (r *Registry) Close() {
	r.mu.Lock()
	s := r.inst
	r.inst = nil
	r.mu.Unlock()
	if s != nil {
		s.bridge.Dispose()
	}
}

// ProviderOptions configures Mount.
type ProviderOptions struct {
	Config Config
	// Window is the surface the frame posts to. It may be nil when the caller
	// feeds messages to the bridge directly.
	Window Window
	// Registry supplies a shared bridge. When nil the provider builds its own
	// bridge and disposes it on Close.
	Registry *Registry
}

// Provider is the consumer-facing handle on a bridge: status reads and
// subscriptions, remote calls, and disposal tied to the mount lifecycle.
type Provider struct {
	bridge *Bridge
	fan    *fanout
	owned  bool

	mu      sync.Mutex
	nextSub int
	cancels map[int]func()
	once    sync.Once
}

// Mount returns a provider for opts, attached to opts.Window.
func Mount(opts ProviderOptions) (*Provider, error) {
	var s *shared
	owned := opts.Registry == nil
	if owned {
		b, err := New(opts.Config)
		if err != nil {
			return nil, err
		}
		s = &shared{bridge: b, fan: newFanout()}
		b.OnStatusChanged(s.fan.publish)
	} else {
		var err error
		if s, err = opts.Registry.getOrCreate(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.Window != nil {
		err := s.bridge.Listen(opts.Window)
		if errors.Is(err, ErrAlreadyListening) && !owned {
			// another consumer attached the shared bridge first
			err = nil
		}
		if err != nil {
			if owned {
				s.bridge.Dispose()
			}
			return nil, err
		}
	}
	return &Provider{bridge: s.bridge, fan: s.fan, owned: owned, cancels: make(map[int]func())}, nil
}

// Bridge exposes the underlying bridge.
func (p *Provider) Bridge() *Bridge { return p.bridge }

// Status returns the current snapshot.
func (p *Provider) Status() Status { return p.bridge.Status() }

// Subscribe registers fn for every subsequent status snapshot. The returned
// function cancels the subscription; Close cancels it as well.
func (p *Provider) Subscribe(fn func(Status)) (cancel func()) {
	c := p.fan.subscribe(fn)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.cancels[id] = c
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.cancels, id)
		p.mu.Unlock()
		c()
	}
}

// Execute issues a correlated remote call. See Bridge.Execute.
func (p *Provider) Execute(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	return p.bridge.Execute(ctx, function, args...)
}

// Close disposes a per-mount bridge, so subscribers see the final reset
// snapshot, and then cancels the provider's subscriptions. Only the first
// call has any effect.
func (p *Provider) Close() {
	p.once.Do(func() {
		if p.owned {
			p.bridge.Dispose()
		}
		p.mu.Lock()
		cancels := p.cancels
		p.cancels = make(map[int]func())
		p.mu.Unlock()
		for _, c := range cancels {
			c()
		}
	})
}
