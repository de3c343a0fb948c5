// Package exchange hands websocket-backed ports from the remote frame to the
// bridge. The frame connects to the port endpoint, receives a ticket id and
// then names that id in its port-connect window message.
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbarproxy/internal/channel"
	"github.com/gaspardpetit/toolbarproxy/internal/logx"
	"github.com/gaspardpetit/toolbarproxy/internal/metrics"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// DefaultTTL bounds how long an unclaimed port stays parked.
const DefaultTTL = 30 * time.Second

// Ticket is the first and only message the host writes on a fresh port
// before handing it to the bridge.
type Ticket struct {
	ID string `json:"$port"`
}

type parked struct {
	port    *channel.WSPort
	created time.Time
}

// Exchange parks ports accepted from the trusted origin until claimed.
type Exchange struct {
	origin   string
	ttl      time.Duration
	draining func() bool
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	ports map[string]parked
}

// New creates an exchange accepting ports from origin. A zero ttl uses
// DefaultTTL. draining may be nil.
func New(origin string, ttl time.Duration, draining func() bool) *Exchange {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Exchange{
		origin:   origin,
		ttl:      ttl,
		draining: draining,
		log:      logx.Component("exchange"),
		now:      time.Now,
		ports:    make(map[string]parked),
	}
}

// Handler accepts a port connection. Only the trusted origin may connect.
func (e *Exchange) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.draining != nil && e.draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Origin") != e.origin {
			metrics.RecordPortExchange("rejected")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// origin matched above; the trusted origin is usually not the host
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		port := channel.NewWSPort(c)
		id := uuid.NewString()

		e.mu.Lock()
		e.ports[id] = parked{port: port, created: e.now()}
		n := len(e.ports)
		e.mu.Unlock()
		metrics.SetParkedPorts(n)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		data, _ := json.Marshal(Ticket{ID: id})
		if err := port.PostMessage(ctx, data); err != nil {
			e.log.Debug().Err(err).Msg("send ticket")
			if p, ok := e.Claim(id); ok {
				_ = p.Close()
			}
			return
		}
		metrics.RecordPortExchange("parked")
		e.log.Debug().Str("port", id).Msg("port parked")
	}
}

// Claim removes and returns the parked port for id.
func (e *Exchange) Claim(id string) (proxy.Port, bool) {
	e.mu.Lock()
	p, ok := e.ports[id]
	if ok {
		delete(e.ports, id)
	}
	n := len(e.ports)
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	metrics.RecordPortExchange("claimed")
	metrics.SetParkedPorts(n)
	return p.port, true
}

// Resolve claims id on behalf of a message posted from origin. Ports are
// only handed to messages from the origin that opened them.
func (e *Exchange) Resolve(origin, id string) (proxy.Port, bool) {
	if origin != e.origin {
		return nil, false
	}
	return e.Claim(id)
}

// Sweep closes ports parked for longer than the TTL and returns how many it
// closed.
func (e *Exchange) Sweep() int {
	cutoff := e.now().Add(-e.ttl)
	var expired []parked
	e.mu.Lock()
	for id, p := range e.ports {
		if p.created.Before(cutoff) {
			expired = append(expired, p)
			delete(e.ports, id)
		}
	}
	n := len(e.ports)
	e.mu.Unlock()
	for _, p := range expired {
		_ = p.port.Close()
		metrics.RecordPortExchange("expired")
	}
	metrics.SetParkedPorts(n)
	return len(expired)
}

// Run sweeps expired ports until ctx ends, then closes whatever is left.
func (e *Exchange) Run(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.log.Debug().Int("expired", n).Msg("swept parked ports")
			}
		case <-ctx.Done():
			e.Close()
			return
		}
	}
}

// Close closes every parked port.
func (e *Exchange) Close() {
	e.mu.Lock()
	ports := e.ports
	e.ports = make(map[string]parked)
	e.mu.Unlock()
	for _, p := range ports {
		_ = p.port.Close()
	}
	metrics.SetParkedPorts(0)
}

// ParkedPort describes an unclaimed port.
type ParkedPort struct {
	ID       string    `json:"id"`
	ParkedAt time.Time `json:"parked_at"`
}

// Snapshot lists parked ports, oldest first.
func (e *Exchange) Snapshot() []ParkedPort {
	e.mu.Lock()
	out := make([]ParkedPort, 0, len(e.ports))
	for id, p := range e.ports {
		out = append(out, ParkedPort{ID: id, ParkedAt: p.created})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ParkedAt.Before(out[j].ParkedAt) })
	return out
}
