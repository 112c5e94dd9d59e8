package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/docstore/pkg/config"
)

// startMetrics serves the default Prometheus registry until ctx is done.
// It is a no-op when no address is configured.
func startMetrics(ctx context.Context, mc config.MetricsConfig) error {
	if mc.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", mc.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+mc.Path, promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", mc.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}
