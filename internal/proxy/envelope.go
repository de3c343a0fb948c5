package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SourceTag identifies window messages posted by the toolbar frame.
const SourceTag = "sentry-toolbar"

// EventKind is the value of the envelope's "message" field.
type EventKind string

const (
	KindLoginComplete EventKind = "login-complete"
	KindCookieFound   EventKind = "cookie-found"
	KindDomainAllowed EventKind = "domain-allowed"
	KindPortConnect   EventKind = "port-connect"
)

var (
	// ErrUntrusted is returned for messages from another origin or without
	// the toolbar source tag.
	ErrUntrusted = errors.New("untrusted window message")
	// ErrUnknownEvent is returned for trusted messages of an unknown kind.
	ErrUnknownEvent = errors.New("unknown window event")
	// ErrNoPortAttached is returned when a port-connect event carries no port.
	ErrNoPortAttached = errors.New("port-connect without port")
)

// Event is a validated frame lifecycle event. The concrete types are
// LoginComplete, CookieFound, DomainAllowed and PortConnect.
type Event interface {
	Kind() EventKind
}

type LoginComplete struct{}

type CookieFound struct{}

type DomainAllowed struct{}

// PortConnect hands over the dedicated port.
type PortConnect struct {
	Port Port
}

func (LoginComplete) Kind() EventKind { return KindLoginComplete }
func (CookieFound) Kind() EventKind   { return KindCookieFound }
func (DomainAllowed) Kind() EventKind { return KindDomainAllowed }
func (PortConnect) Kind() EventKind   { return KindPortConnect }

// envelope is the wire shape of a window message. Ports travel out of band
// in WindowMessage.Ports.
type envelope struct {
	Source  string    `json:"source"`
	Message EventKind `json:"message"`
}

// ParseEvent validates msg against the trusted origin and decodes it into one
// of the known events. Anything that does not parse into a known variant is
// rejected.
func ParseEvent(trustedOrigin string, msg WindowMessage) (Event, error) {
	if msg.Origin != trustedOrigin {
		return nil, ErrUntrusted
	}
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, ErrUntrusted
	}
	if env.Source != SourceTag {
		return nil, ErrUntrusted
	}
	switch env.Message {
	case KindLoginComplete:
		return LoginComplete{}, nil
	case KindCookieFound:
		return CookieFound{}, nil
	case KindDomainAllowed:
		return DomainAllowed{}, nil
	case KindPortConnect:
		if len(msg.Ports) == 0 || msg.Ports[0] == nil {
			return nil, ErrNoPortAttached
		}
		return PortConnect{Port: msg.Ports[0]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Message)
	}
}
