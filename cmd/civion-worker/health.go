package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/civion/civion/pkg/metrics"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// startHealthServer serves /health and /metrics for probes and Prometheus.
// The worker has no other HTTP surface, so a plain net/http mux is enough.
func (w *WorkerManager) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, req *http.Request) {
		err := w.persistence.HealthCheck(req.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)

			return
		}

		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         w.healthAddr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("Health server failed", "error", err)
		}
	}()

	return srv
}
