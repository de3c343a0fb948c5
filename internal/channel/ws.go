package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// ErrTransfer is returned when ports are transferred over a websocket port.
var ErrTransfer = errors.New("websocket port cannot transfer ports")

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// WSPort is a proxy.Port carried by a websocket connection. Each text or
// binary frame is one message.
type WSPort struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler func([]byte, []proxy.Port)

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewWSPort wraps conn. Nothing is read from conn until Start.
func NewWSPort(conn *websocket.Conn) *WSPort {
	// Disable default 32KiB read limit to support large fetch responses
	conn.SetReadLimit(-1)
	ctx, cancel := context.WithCancel(context.Background())
	return &WSPort{conn: conn, ctx: ctx, cancel: cancel}
}

// PostMessage writes data as a text frame.
func (p *WSPort) PostMessage(ctx context.Context, data []byte, transfer ...proxy.Port) error {
	if len(transfer) > 0 {
		return ErrTransfer
	}
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.conn.Write(wctx, websocket.MessageText, data)
}

// SetHandler installs the receive handler; nil detaches it.
func (p *WSPort) SetHandler(fn func([]byte, []proxy.Port)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Start launches the read and ping loops.
func (p *WSPort) Start() {
	p.startOnce.Do(func() {
		go p.readLoop()
		go p.pingLoop()
	})
}

// Done is closed once the port is closed, locally or by the peer.
func (p *WSPort) Done() <-chan struct{} { return p.ctx.Done() }

func (p *WSPort) readLoop() {
	defer func() { _ = p.Close() }()
	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			return
		}
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(data, nil)
		}
	}
}

func (p *WSPort) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = p.conn.Ping(p.ctx)
		case <-p.ctx.Done():
			return
		}
	}
}

// Close closes the websocket with a normal closure.
func (p *WSPort) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close(websocket.StatusNormalClosure, "closing")
		p.cancel()
	})
	return p.closeErr
}
