package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/toolbarproxy/internal/config"
	"github.com/gaspardpetit/toolbarproxy/internal/exchange"
	"github.com/gaspardpetit/toolbarproxy/internal/inflight"
	"github.com/gaspardpetit/toolbarproxy/internal/logx"
	"github.com/gaspardpetit/toolbarproxy/internal/metrics"
	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
	"github.com/gaspardpetit/toolbarproxy/internal/server"
	"github.com/gaspardpetit/toolbarproxy/internal/statusstore"
	"github.com/gaspardpetit/toolbarproxy/internal/window"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func wantsVersion(args []string) bool {
	for _, a := range args {
		if a == "-version" || a == "--version" {
			return true
		}
	}
	return false
}

func main() {
	args := os.Args[1:]
	if wantsVersion(args) {
		fmt.Printf("toolbar-host version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	// defaults < file < env < args
	cfg, err := config.Resolve(args)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Configure(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	var store statusstore.Store = statusstore.NewMemoryStore()
	var rs *statusstore.RedisStore
	if cfg.RedisAddr != "" {
		rs, err = statusstore.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.RedactedRedisAddr()).Msg("connect redis")
		}
		defer rs.Close()
		store = rs
		logx.Log.Info().Str("addr", cfg.RedactedRedisAddr()).Msg("using redis status store")
	}

	hub := window.NewHub()
	provider, err := proxy.Mount(proxy.ProviderOptions{Config: cfg.ProxyConfig(), Window: hub})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("mount proxy")
	}
	store.Store(provider.Status())
	provider.Subscribe(func(s proxy.Status) {
		store.Store(s)
		logx.Log.Info().Bool("login_complete", s.LoginComplete).Bool("has_cookie", s.HasCookie).
			Bool("has_project", s.HasProject).Bool("has_port", s.HasPort).Msg("toolbar status")
	})

	var counter inflight.Counter
	ex := exchange.New(cfg.SentryOrigin, cfg.PortTTL, counter.Draining)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)
	if rs != nil {
		// other hosts sharing the key publish here too
		go func() {
			err := rs.Watch(ctx, func(s proxy.Status) {
				logx.Log.Debug().Bool("ready", s.Ready()).Bool("has_port", s.HasPort).Msg("status published")
			})
			if err != nil {
				logx.Log.Warn().Err(err).Msg("status watch stopped")
			}
		}()
	}

	handler := server.New(cfg, server.Deps{Provider: provider, Hub: hub, Exchange: ex, Inflight: &counter, Gatherer: reg})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsListenAddr() != srv.Addr {
		metricsSrv = &http.Server{Addr: cfg.MetricsListenAddr(), Handler: server.MetricsHandler(reg)}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if counter.Draining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			counter.StartDrain()
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				logx.Log.Info().Int64("inflight", counter.Load()).Msg("waiting for in-flight calls")
				if counter.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		// fails pending calls and closes the frame's port
		provider.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	logx.Log.Info().
		Int("port", cfg.Port).
		Str("sentry_origin", cfg.SentryOrigin).
		Str("frame_src", cfg.FrameSrc()).
		Str("api_path", cfg.APIPath()).
		Str("environment", cfg.Environment).
		Msg("toolbar host starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
