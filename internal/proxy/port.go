package proxy

import "context"

// Port is a dedicated bidirectional channel to the remote frame. Messages
// are queued until Start is called; the handler runs on the port's own
// delivery goroutine.
type Port interface {
	// PostMessage sends data to the other end, optionally transferring
	// ownership of further ports along with it.
	PostMessage(ctx context.Context, data []byte, transfer ...Port) error
	// SetHandler installs the message handler. A nil handler detaches it.
	SetHandler(func(data []byte, ports []Port))
	// Start begins delivery of queued and future messages.
	Start()
	// Close shuts the port down. It is safe to call more than once.
	Close() error
}

// ClosedNotifier is implemented by ports that report being closed, locally
// or by the other end. The bridge drops such a port as soon as it closes.
type ClosedNotifier interface {
	Done() <-chan struct{}
}

// WindowMessage is one message seen on the shared window surface. Origin is
// asserted by the transport, Data is the raw payload and Ports holds any
// ports transferred with the message.
type WindowMessage struct {
	Origin string
	Data   []byte
	Ports  []Port
}

// Window is the shared, untrusted message surface the frame posts lifecycle
// events to.
type Window interface {
	Subscribe(fn func(WindowMessage)) (cancel func())
}
