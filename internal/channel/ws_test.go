package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

func TestWSPortRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := context.Background()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			_ = c.Write(ctx, typ, append([]byte("echo:"), data...))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := NewWSPort(conn)
	defer p.Close()
	got := make(chan string, 1)
	p.SetHandler(func(data []byte, _ []proxy.Port) { got <- string(data) })
	p.Start()
	if err := p.PostMessage(ctx, []byte("ping")); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case m := <-got:
		if m != "echo:ping" {
			t.Fatalf("unexpected message %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestWSPortRejectsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = c.Read(context.Background())
	}))
	defer srv.Close()

	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := NewWSPort(conn)
	defer p.Close()
	x, _ := NewPipe()
	if err := p.PostMessage(context.Background(), []byte("{}"), x); !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
}

func TestWSPortDoneAfterPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := NewWSPort(conn)
	p.Start()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("port not closed after peer closure")
	}
	if err := p.PostMessage(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error posting on closed port")
	}
}
