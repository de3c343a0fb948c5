package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbarproxy/internal/metrics"
)

// Remote functions exposed by the toolbar frame.
const (
	FuncLog   = "log"
	FuncFetch = "fetch"
)

var (
	// ErrNoPort is returned when a call is issued before the frame handed
	// over its port, or after the bridge was disposed.
	ErrNoPort = errors.New("channel not ready: no port")
	// ErrAborted is returned when the caller's context ends before a response.
	ErrAborted = errors.New("request was aborted")
	// ErrPortReplaced is returned for calls still pending on a port that the
	// frame replaced with a new one.
	ErrPortReplaced = errors.New("port replaced")
	// ErrDisposed is returned for calls still pending when the bridge is disposed.
	ErrDisposed = errors.New("bridge disposed")
	// ErrPortClosed is returned for calls still pending when the active port
	// is closed by the frame.
	ErrPortClosed = errors.New("port closed by frame")
)

// RemoteError carries the error value reported by the frame, verbatim.
type RemoteError struct {
	Value json.RawMessage
}

func (e *RemoteError) Error() string {
	if len(e.Value) == 0 {
		return "remote error"
	}
	return "remote error: " + string(e.Value)
}

type callMessage struct {
	Function string          `json:"$function"`
	Args     json.RawMessage `json:"$args"`
}

type request struct {
	ID      uint64      `json:"$id"`
	Message callMessage `json:"message"`
}

type callResult struct {
	value json.RawMessage
	err   error
}

// dispatcher correlates calls sent over the active port with the responses
// the frame sends back. Ids are never reused for the lifetime of the
// dispatcher, so late or duplicated responses cannot settle the wrong call.
type dispatcher struct {
	debug func() *zerolog.Event

	mu      sync.Mutex
	seq     uint64
	port    Port
	pending map[uint64]chan callResult
}

func newDispatcher(debug func() *zerolog.Event) *dispatcher {
	return &dispatcher{debug: debug, pending: make(map[uint64]chan callResult)}
}

// attach makes p the active port. It returns the port it replaced, if any,
// together with the calls that were pending on it.
func (d *dispatcher) attach(p Port) (Port, map[uint64]chan callResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.port
	d.port = p
	if prev == nil || prev == p {
		return prev, nil
	}
	return prev, d.takeAll()
}

// detach clears the active port and returns it with its pending calls.
func (d *dispatcher) detach() (Port, map[uint64]chan callResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.port
	d.port = nil
	return p, d.takeAll()
}

// detachIf is detach, but only while p is still the active port.
func (d *dispatcher) detachIf(p Port) (map[uint64]chan callResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil || d.port != p {
		return nil, false
	}
	d.port = nil
	return d.takeAll(), true
}

func (d *dispatcher) inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// takeAll empties the pending table. d.mu must be held.
func (d *dispatcher) takeAll() map[uint64]chan callResult {
	pending := d.pending
	d.pending = make(map[uint64]chan callResult)
	return pending
}

// failAll settles every call in pending with err.
func failAll(pending map[uint64]chan callResult, err error) {
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// take removes the pending entry for id. Only the caller that removes the
// entry may settle the call.
func (d *dispatcher) take(id uint64) (chan callResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return ch, ok
}

func (d *dispatcher) call(ctx context.Context, function string, args []any, transfer []Port) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}

	d.mu.Lock()
	port := d.port
	if port == nil {
		d.mu.Unlock()
		d.debug().Str("function", function).Msg("no port open, dropping call")
		metrics.RecordDroppedCall(function)
		return nil, ErrNoPort
	}
	d.seq++
	id := d.seq
	ch := make(chan callResult, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	start := time.Now()
	metrics.CallStarted()
	outcome := "ok"
	defer func() { metrics.CallFinished(function, outcome, time.Since(start)) }()

	if ctx.Err() != nil {
		d.take(id)
		outcome = "aborted"
		return nil, abortError(ctx)
	}

	data, err := json.Marshal(request{ID: id, Message: callMessage{Function: function, Args: rawArgs}})
	if err != nil {
		d.take(id)
		outcome = "encode_error"
		return nil, fmt.Errorf("encode request: %w", err)
	}
	d.debug().Uint64("id", id).Str("function", function).Int("transfer", len(transfer)).Msg("port.postMessage()")
	if err := port.PostMessage(ctx, data, transfer...); err != nil {
		if _, ok := d.take(id); ok {
			outcome = "send_error"
			return nil, fmt.Errorf("post message: %w", err)
		}
		// A settlement raced the failed write; honour it.
	}

	var res callResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		if _, ok := d.take(id); ok {
			outcome = "aborted"
			return nil, abortError(ctx)
		}
		res = <-ch
	}
	var remote *RemoteError
	switch {
	case res.err == nil:
	case errors.As(res.err, &remote):
		outcome = "remote_error"
	default:
		outcome = "closed"
	}
	return res.value, res.err
}

func abortError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}

// handleResponse settles the pending call a response belongs to. Responses
// without an id, or for an id that is no longer pending, are ignored.
func (d *dispatcher) handleResponse(data []byte, _ []Port) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		d.debug().Err(err).Msg("port message is not an object")
		return
	}
	rawID, ok := fields["$id"]
	if !ok {
		return
	}
	var id uint64
	if err := json.Unmarshal(rawID, &id); err != nil || id == 0 {
		return
	}
	ch, ok := d.take(id)
	if !ok {
		d.debug().Uint64("id", id).Msg("response for unknown or settled call")
		return
	}
	if result, ok := fields["$result"]; ok {
		ch <- callResult{value: result}
		return
	}
	ch <- callResult{err: &RemoteError{Value: fields["$error"]}}
}
