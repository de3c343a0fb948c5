package proxy_test

import (
	"sync"
	"testing"

	"github.com/gaspardpetit/toolbarproxy/internal/channel"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// fakeWindow records subscriptions and lets the test post to them.
type fakeWindow struct {
	mu      sync.Mutex
	subs    map[int]func(proxy.WindowMessage)
	next    int
	cancels int
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{subs: map[int]func(proxy.WindowMessage){}}
}

func (w *fakeWindow) Subscribe(fn func(proxy.WindowMessage)) func() {
	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.cancels++
		w.mu.Unlock()
	}
}

func (w *fakeWindow) post(msg proxy.WindowMessage) {
	w.mu.Lock()
	fns := make([]func(proxy.WindowMessage), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (w *fakeWindow) listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := proxy.NewRegistry()
	defer r.Close()
	a, err := r.GetOrCreate(proxy.Config{TrustedOrigin: origin})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := r.GetOrCreate(proxy.Config{TrustedOrigin: "https://other.sentry.io"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same bridge")
	}
	if got := b.Config().TrustedOrigin; got != origin {
		t.Fatalf("later config applied: %s", got)
	}

	r.ResetForTesting()
	c, err := r.GetOrCreate(proxy.Config{TrustedOrigin: "https://other.sentry.io"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == a {
		t.Fatalf("reset did not drop the instance")
	}
	a.Dispose()
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	r := proxy.NewRegistry()
	if _, err := r.GetOrCreate(proxy.Config{}); err == nil {
		t.Fatalf("expected error")
	}
	// a failed construction does not occupy the slot
	if _, err := r.GetOrCreate(proxy.Config{TrustedOrigin: origin}); err != nil {
		t.Fatalf("get: %v", err)
	}
	r.Close()
}

func TestMountPerInstance(t *testing.T) {
	w := newFakeWindow()
	p, err := proxy.Mount(proxy.ProviderOptions{Config: proxy.Config{TrustedOrigin: origin}, Window: w})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	var seen []proxy.Status
	p.Subscribe(func(s proxy.Status) { seen = append(seen, s) })

	w.post(event("login-complete"))
	if !p.Status().LoginComplete {
		t.Fatalf("window message not delivered")
	}
	host, remote := channel.NewPipe()
	msg := event("port-connect")
	msg.Ports = []proxy.Port{host}
	w.post(msg)

	p.Close()
	p.Close()
	if w.cancels != 1 || w.listeners() != 0 {
		t.Fatalf("expected one unsubscribe, got %d (listeners %d)", w.cancels, w.listeners())
	}
	if !remote.Closed() {
		t.Fatalf("port not closed on unmount")
	}
	if len(seen) != 3 || seen[2] != (proxy.Status{}) {
		t.Fatalf("unexpected snapshots %+v", seen)
	}

	// subscriptions are gone after close
	w.post(event("login-complete"))
	if len(seen) != 3 {
		t.Fatalf("subscriber called after close")
	}
}

func TestMountShared(t *testing.T) {
	r := proxy.NewRegistry()
	defer r.Close()
	w := newFakeWindow()
	opts := proxy.ProviderOptions{Config: proxy.Config{TrustedOrigin: origin}, Window: w, Registry: r}

	p1, err := proxy.Mount(opts)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	p2, err := proxy.Mount(opts)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if p1.Bridge() != p2.Bridge() {
		t.Fatalf("providers do not share a bridge")
	}
	if w.listeners() != 1 {
		t.Fatalf("expected a single window listener, got %d", w.listeners())
	}

	var n1, n2 int
	p1.Subscribe(func(proxy.Status) { n1++ })
	p2.Subscribe(func(proxy.Status) { n2++ })
	w.post(event("domain-allowed"))
	if n1 != 1 || n2 != 1 {
		t.Fatalf("fan-out failed: %d %d", n1, n2)
	}

	p1.Close()
	if !p2.Status().HasProject {
		t.Fatalf("closing a shared provider disposed the bridge")
	}
	w.post(event("login-complete"))
	if n1 != 1 || n2 != 2 {
		t.Fatalf("unexpected deliveries after close: %d %d", n1, n2)
	}
	p2.Close()
}

func TestSubscribeCancel(t *testing.T) {
	p, err := proxy.Mount(proxy.ProviderOptions{Config: proxy.Config{TrustedOrigin: origin}})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer p.Close()
	n := 0
	cancel := p.Subscribe(func(proxy.Status) { n++ })
	p.Bridge().HandleWindowMessage(event("cookie-found"))
	cancel()
	p.Bridge().HandleWindowMessage(event("domain-allowed"))
	if n != 1 {
		t.Fatalf("got %d notifications", n)
	}
}
