// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package api serves the controller's local HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Thermoquad/rpsplc/internal/plc"
)

// Controller is the subset of the PLC the API drives
type Controller interface {
	Snapshot() plc.Snapshot
	Submit(ctx context.Context, cmd plc.Command) (plc.Result, error)
}

// Options configures the router
type Options struct {
	// Metrics serves GET /metrics when set
	Metrics http.Handler

	// Link serves GET /link when set (WebSocket link transport)
	Link http.Handler

	// CommandTimeout bounds how long a request waits on the controller
	CommandTimeout time.Duration

	Log *slog.Logger
}

// Handlers holds dependencies for HTTP handlers
type Handlers struct {
	ctrl    Controller
	timeout time.Duration
	log     *slog.Logger
}

// NewRouter creates the chi router
func NewRouter(ctrl Controller, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	h := &Handlers{
		ctrl:    ctrl,
		timeout: opts.CommandTimeout,
		log:     opts.Log.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/status", h.handleStatus)
	r.Post("/scram", h.handleScram)
	r.Post("/reset", h.handleReset)
	r.Post("/burn-rate", h.handleBurnRate)
	r.Post("/burn", h.handleBurn)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Link != nil {
		r.Method(http.MethodGet, "/link", opts.Link)
	}

	return r
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Serve runs an HTTP server on addr until ctx is done
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
