package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gaspardpetit/toolbarproxy/internal/logx"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

const maxExecBody = 1 << 20

var errExecTimeout = errors.New("request timeout elapsed")

// API serves the status and exec endpoints for one provider.
type API struct {
	Provider       *proxy.Provider
	FrameSrc       string
	RequestTimeout time.Duration
	// KeepAlive is the interval between comment lines on idle status streams.
	KeepAlive time.Duration
}

type statusResponse struct {
	Status   proxy.Status `json:"status"`
	Ready    bool         `json:"ready"`
	Pending  int          `json:"pending"`
	FrameSrc string       `json:"frame_src,omitempty"`
}

type execRequest struct {
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args"`
}

type execResponse struct {
	Result json.RawMessage `json:"result"`
}

type errorResponse struct {
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Remote json.RawMessage `json:"remote,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func (a *API) snapshot() statusResponse {
	st := a.Provider.Status()
	return statusResponse{
		Status:   st,
		Ready:    st.Ready(),
		Pending:  a.Provider.Bridge().Pending(),
		FrameSrc: a.FrameSrc,
	}
}

// GetStatus returns the current status snapshot.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

// GetStatusStream streams a snapshot on connect and on every change as
// server-sent events.
func (a *API) GetStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// latest snapshot wins; slow readers skip intermediate states
	changed := make(chan struct{}, 1)
	cancel := a.Provider.Subscribe(func(proxy.Status) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	keepAlive := a.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	send := func() bool {
		b, _ := json.Marshal(a.snapshot())
		var buf bytes.Buffer
		buf.WriteString("data: ")
		buf.Write(b)
		buf.WriteString("\n\n")
		if _, err := w.Write(buf.Bytes()); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-changed:
			if !send() {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// PostExec forwards a call to the frame and relays its result.
func (a *API) PostExec(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxExecBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(body) > maxExecBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := validateSchema("ExecRequest", doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req execRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	args := make([]any, len(req.Args))
	for i, v := range req.Args {
		args[i] = v
	}

	ctx := r.Context()
	if a.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, a.RequestTimeout, errExecTimeout)
		defer cancel()
	}
	result, err := a.Provider.Execute(ctx, req.Function, args...)
	var remote *proxy.RemoteError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, execResponse{Result: result})
	case errors.Is(err, proxy.ErrNoPort):
		writeError(w, http.StatusServiceUnavailable, "no_port", err.Error())
	case errors.Is(err, errExecTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, proxy.ErrAborted):
		writeError(w, http.StatusRequestTimeout, "aborted", err.Error())
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "remote error", Code: "remote_error", Remote: remote.Value})
	case errors.Is(err, proxy.ErrPortReplaced), errors.Is(err, proxy.ErrPortClosed), errors.Is(err, proxy.ErrDisposed):
		writeError(w, http.StatusServiceUnavailable, "port_closed", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
	}
}
