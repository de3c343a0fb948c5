package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbarproxy/internal/logx"
	"github.com/gaspardpetit/toolbarproxy/internal/metrics"
)

// ErrAlreadyListening is returned by Listen when the bridge is already
// attached to a window.
var ErrAlreadyListening = errors.New("bridge already listening")

// Config describes the trusted remote frame.
type Config struct {
	// TrustedOrigin is the exact origin the frame posts from, e.g.
	// "https://acme.sentry.io". It may carry a path but no trailing slash.
	TrustedOrigin string
	// Debug promotes bridge diagnostics to info level.
	Debug bool
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	if c.TrustedOrigin == "" {
		return errors.New("trusted origin is required")
	}
	if strings.HasSuffix(c.TrustedOrigin, "/") {
		return fmt.Errorf("trusted origin %q must not have a trailing slash", c.TrustedOrigin)
	}
	u, err := url.Parse(c.TrustedOrigin)
	if err != nil {
		return fmt.Errorf("trusted origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("trusted origin %q must include scheme and host", c.TrustedOrigin)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("trusted origin %q must not carry credentials, query or fragment", c.TrustedOrigin)
	}
	return nil
}

// Bridge owns the trusted channel to the remote frame and the connection
// status derived from the frame's lifecycle events.
type Bridge struct {
	cfg    Config
	log    zerolog.Logger
	status statusModel
	calls  *dispatcher

	mu       sync.Mutex
	unlisten func()
	disposed bool
}

// New constructs a bridge for cfg. It fails only on invalid configuration.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{cfg: cfg, log: logx.Component("proxy")}
	b.calls = newDispatcher(b.debug)
	return b, nil
}

func (b *Bridge) debug() *zerolog.Event {
	if b.cfg.Debug {
		return b.log.Info()
	}
	return b.log.Debug()
}

// Config returns the configuration the bridge was built with.
func (b *Bridge) Config() Config { return b.cfg }

// Listen attaches the bridge to w. A bridge listens to at most one window.
func (b *Bridge) Listen(w Window) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	if b.unlisten != nil {
		return ErrAlreadyListening
	}
	b.unlisten = w.Subscribe(b.HandleWindowMessage)
	return nil
}

// OnStatusChanged registers the observer notified with every new snapshot,
// replacing any previous one. The observer must not call Listen or Dispose.
func (b *Bridge) OnStatusChanged(fn func(Status)) {
	b.status.setObserver(fn)
}

// Status returns the current snapshot.
func (b *Bridge) Status() Status {
	return b.status.get()
}

// Pending returns the number of calls awaiting a response.
func (b *Bridge) Pending() int {
	return b.calls.inflight()
}

// Execute calls function on the frame with args and waits for the correlated
// response. It returns ErrNoPort when no port is active, an error wrapping
// ErrAborted when ctx ends first, and a *RemoteError when the frame reports
// a failure. There is no built-in timeout.
func (b *Bridge) Execute(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	return b.calls.call(ctx, function, args, nil)
}

// ExecuteTransfer is Execute with ports whose ownership moves to the frame.
func (b *Bridge) ExecuteTransfer(ctx context.Context, function string, args []any, transfer []Port) (json.RawMessage, error) {
	return b.calls.call(ctx, function, args, transfer)
}

// HandleWindowMessage validates msg and applies it. Untrusted and unrelated
// messages are dropped without logging; the window is shared. Ports the
// frame transferred but the bridge does not adopt are closed.
func (b *Bridge) HandleWindowMessage(msg WindowMessage) {
	var adopted Port
	defer func() { b.release(msg, adopted) }()

	ev, err := ParseEvent(b.cfg.TrustedOrigin, msg)
	switch {
	case errors.Is(err, ErrUntrusted):
		metrics.RecordWindowMessage("untrusted")
		return
	case errors.Is(err, ErrNoPortAttached):
		metrics.RecordWindowMessage("malformed")
		b.debug().Err(err).Msg("port-connect -> error")
		return
	case err != nil:
		metrics.RecordWindowMessage("unknown")
		b.debug().Err(err).Msg("ignoring window message")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}

	metrics.RecordWindowMessage("accepted")
	b.debug().Str("event", string(ev.Kind())).Msg("window message")
	switch e := ev.(type) {
	case LoginComplete:
		b.setStatus(StatusPatch{LoginComplete: boolPtr(true)})
	case CookieFound:
		// logged in, but the project is not set up for this domain
		b.setStatus(StatusPatch{HasCookie: boolPtr(true), HasProject: boolPtr(false)})
	case DomainAllowed:
		b.setStatus(StatusPatch{HasCookie: boolPtr(true), HasProject: boolPtr(true)})
	case PortConnect:
		b.connectPort(e.Port)
		adopted = e.Port
	}
}

// release closes the ports transferred with a trusted-origin message, other
// than adopted. Ports on foreign messages belong to whoever they were meant for.
func (b *Bridge) release(msg WindowMessage, adopted Port) {
	if msg.Origin != b.cfg.TrustedOrigin {
		return
	}
	for _, p := range msg.Ports {
		if p == nil || p == adopted {
			continue
		}
		if err := p.Close(); err != nil {
			b.debug().Err(err).Msg("close unused port")
		}
	}
}

func (b *Bridge) setStatus(p StatusPatch) {
	prev := b.status.get()
	next := b.status.update(p)
	recordStatus(next)
	b.debug().Interface("from", prev).Interface("to", next).Msg("status changed")
}

// connectPort adopts p as the active port, closing any port it replaces.
func (b *Bridge) connectPort(p Port) {
	prev, stale := b.calls.attach(p)
	if prev != nil && prev != p {
		prev.SetHandler(nil)
		if err := prev.Close(); err != nil {
			b.debug().Err(err).Msg("close replaced port")
		}
		failAll(stale, ErrPortReplaced)
		metrics.RecordPortReplaced()
	}
	p.SetHandler(b.calls.handleResponse)
	p.Start()
	if n, ok := p.(ClosedNotifier); ok && prev != p {
		go b.watchPort(p, n.Done())
	}
	b.setStatus(StatusPatch{HasPort: boolPtr(true)})
}

// watchPort waits for p to close and, if p is still the active port,
// detaches it and fails the calls pending on it.
func (b *Bridge) watchPort(p Port, done <-chan struct{}) {
	<-done
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	pending, ok := b.calls.detachIf(p)
	if !ok {
		return
	}
	p.SetHandler(nil)
	failAll(pending, ErrPortClosed)
	metrics.RecordPortLost()
	b.debug().Int("failed", len(pending)).Msg("port closed by frame")
	b.setStatus(StatusPatch{HasPort: boolPtr(false)})
}

// Dispose detaches from the window and the port, closes the port, fails any
// pending calls with ErrDisposed and resets the status to all-false. Calls
// made afterwards fail with ErrNoPort.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	if b.unlisten != nil {
		b.unlisten()
		b.unlisten = nil
	}

	p, pending := b.calls.detach()
	if p != nil {
		p.SetHandler(nil)
		if err := p.Close(); err != nil {
			b.debug().Err(err).Msg("close port")
		}
	}
	failAll(pending, ErrDisposed)
	s := b.status.reset()
	recordStatus(s)
	b.debug().Msg("disposed")
}

func recordStatus(s Status) {
	metrics.SetStatusFlag("login_complete", s.LoginComplete)
	metrics.SetStatusFlag("has_cookie", s.HasCookie)
	metrics.SetStatusFlag("has_project", s.HasProject)
	metrics.SetStatusFlag("has_port", s.HasPort)
}
