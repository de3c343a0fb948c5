// Package window implements the shared message surface the toolbar frame
// posts its lifecycle events to. Anyone may post; listeners do their own
// origin checks.
package window

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbarproxy/internal/logx"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// Hub fans window messages out to its subscribers in subscription order.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(proxy.WindowMessage)
	log  zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(proxy.WindowMessage)), log: logx.Component("window")}
}

// Subscribe implements proxy.Window.
func (h *Hub) Subscribe(fn func(proxy.WindowMessage)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Listeners returns the number of subscribers.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Post delivers msg to every current subscriber. Subscribers run on the
// caller's goroutine, without the hub lock held, so they may unsubscribe.
func (h *Hub) Post(msg proxy.WindowMessage) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(proxy.WindowMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// PortResolver turns a port id named in a message posted from origin into a
// live port.
type PortResolver func(origin, id string) (proxy.Port, bool)

// transfer is the part of a posted message naming ports to hand over.
type transfer struct {
	Source  string          `json:"source"`
	Message proxy.EventKind `json:"message"`
	Ports   []string        `json:"ports"`
}

// Handler accepts websocket clients and posts every text message they send
// to the hub, tagged with the handshake Origin. Port ids listed under
// "ports" of a toolbar port-connect message are resolved with resolve;
// unknown ids are dropped and other messages never claim ports. resolve may
// be nil.
func (h *Hub) Handler(resolve PortResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		origin := r.Header.Get("Origin")
		h.log.Debug().Str("origin", origin).Msg("window client connected")
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := context.Background()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				h.log.Debug().Str("origin", origin).Msg("window client gone")
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			msg := proxy.WindowMessage{Origin: origin, Data: data}
			msg.Ports = resolvePorts(origin, data, resolve)
			h.Post(msg)
		}
	}
}

func resolvePorts(origin string, data []byte, resolve PortResolver) []proxy.Port {
	if resolve == nil {
		return nil
	}
	var t transfer
	if err := json.Unmarshal(data, &t); err != nil || len(t.Ports) == 0 {
		return nil
	}
	if t.Source != proxy.SourceTag || t.Message != proxy.KindPortConnect {
		return nil
	}
	var ports []proxy.Port
	for _, id := range t.Ports {
		if p, ok := resolve(origin, id); ok {
			ports = append(ports, p)
		}
	}
	return ports
}
