// Package channel provides proxy.Port implementations: an in-memory
// entangled pair and a websocket-backed port.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// ErrClosed is returned when posting on a closed port.
var ErrClosed = errors.New("port closed")

type message struct {
	data  []byte
	ports []proxy.Port
}

// PipePort is one end of an in-memory message channel.
type PipePort struct {
	peer *PipePort

	mu      sync.Mutex
	queue   []message
	handler func([]byte, []proxy.Port)
	started bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewPipe returns two entangled ports. A message posted on one is delivered
// to the other, in order, once the receiver is started.
func NewPipe() (*PipePort, *PipePort) {
	a := newPipePort()
	b := newPipePort()
	a.peer, b.peer = b, a
	return a, b
}

func newPipePort() *PipePort {
	return &PipePort{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// PostMessage queues a copy of data, and the transferred ports, on the peer.
func (p *PipePort) PostMessage(ctx context.Context, data []byte, transfer ...proxy.Port) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf := append([]byte(nil), data...)
	return p.peer.enqueue(message{data: buf, ports: transfer})
}

func (p *PipePort) enqueue(m message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *PipePort) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetHandler installs the receive handler; nil detaches it.
func (p *PipePort) SetHandler(fn func([]byte, []proxy.Port)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Start begins delivering queued messages.
func (p *PipePort) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.deliver()
	p.signal()
}

func (p *PipePort) deliver() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}
		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			m := p.queue[0]
			p.queue = p.queue[1:]
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(m.data, m.ports)
			}
		}
	}
}

// Close closes both ends of the pipe. Undelivered messages are discarded.
func (p *PipePort) Close() error {
	p.shutdown()
	if p.peer != nil {
		p.peer.shutdown()
	}
	return nil
}

func (p *PipePort) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	close(p.done)
}

// Done is closed once either end of the pipe is closed.
func (p *PipePort) Done() <-chan struct{} { return p.done }

// Closed reports whether the port has been closed.
func (p *PipePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
