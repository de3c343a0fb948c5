// Package server wires the toolbar host's HTTP surface: the page embedding
// the frame, the frame's window and port endpoints, and the status API.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolbarproxy/internal/config"
	"github.com/gaspardpetit/toolbarproxy/internal/exchange"
	"github.com/gaspardpetit/toolbarproxy/internal/inflight"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
	"github.com/gaspardpetit/toolbarproxy/internal/window"
)

// Deps are the long-lived components the handlers serve.
type Deps struct {
	Provider *proxy.Provider
	Hub      *window.Hub
	Exchange *exchange.Exchange
	Inflight *inflight.Counter
	// Gatherer backs /metrics when metrics share the main port.
	Gatherer prometheus.Gatherer
}

// New constructs the HTTP handler for the host.
func New(cfg config.HostConfig, d Deps) http.Handler {
	r := chi.NewRouter()
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Inflight.Draining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/", HostPageHandler(cfg.FrameSrc(), cfg.VisibleFrame))

	r.Route("/toolbar", func(tr chi.Router) {
		tr.Get("/window", d.Hub.Handler(d.Exchange.Resolve))
		tr.Get("/port", d.Exchange.Handler())
	})

	api := &API{Provider: d.Provider, FrameSrc: cfg.FrameSrc(), RequestTimeout: cfg.RequestTimeout}
	r.Route("/api", func(ar chi.Router) {
		if len(cfg.AllowedOrigins) > 0 {
			ar.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.AllowedOrigins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}))
		}
		ar.Get("/openapi.json", OpenAPIHandler())
		ar.Get("/docs", SwaggerHandler())
		ar.Get("/status", api.GetStatus)
		ar.Get("/status/stream", api.GetStatusStream)
		ar.Get("/ports", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"parked": d.Exchange.Snapshot()})
		})
		ar.With(d.Inflight.Middleware()).Post("/exec", api.PostExec)
	})

	if d.Gatherer != nil && cfg.MetricsListenAddr() == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// MetricsHandler serves metrics on a dedicated listener.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
