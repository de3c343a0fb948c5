package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

func collect(p *PipePort) <-chan string {
	out := make(chan string, 16)
	p.SetHandler(func(data []byte, _ []proxy.Port) { out <- string(data) })
	return out
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return ""
	}
}

func TestPipeQueuesUntilStart(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	got := collect(b)
	ctx := context.Background()
	for _, m := range []string{"one", "two", "three"} {
		if err := a.PostMessage(ctx, []byte(m)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	select {
	case m := <-got:
		t.Fatalf("delivered before start: %s", m)
	case <-time.After(50 * time.Millisecond):
	}
	b.Start()
	for _, want := range []string{"one", "two", "three"} {
		if m := recv(t, got); m != want {
			t.Fatalf("got %q want %q", m, want)
		}
	}
}

func TestPipeCopiesPayload(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	got := collect(b)
	b.Start()
	buf := []byte("hello")
	if err := a.PostMessage(context.Background(), buf); err != nil {
		t.Fatalf("post: %v", err)
	}
	buf[0] = 'j'
	if m := recv(t, got); m != "hello" {
		t.Fatalf("payload aliased: %q", m)
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	a, b := NewPipe()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.Closed() || !b.Closed() {
		t.Fatalf("expected both ends closed")
	}
	if err := a.PostMessage(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// idempotent
	_ = a.Close()
}

func TestPipeTransfersPorts(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	x, y := NewPipe()
	defer x.Close()
	ports := make(chan []proxy.Port, 1)
	b.SetHandler(func(_ []byte, p []proxy.Port) { ports <- p })
	b.Start()
	if err := a.PostMessage(context.Background(), []byte("{}"), y); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case p := <-ports:
		if len(p) != 1 || p[0] != proxy.Port(y) {
			t.Fatalf("unexpected ports: %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestPipePostHonoursContext(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.PostMessage(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
