// serve.go implements the 'preemptcheck serve' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/preempt/internal/logger"
	"github.com/kolkov/preempt/internal/preempt/metrics"
)

// serveCommand runs the workload in rounds and serves its counters on
// the configured metrics endpoint until interrupted.
//
// Example:
//
//	preemptcheck serve -web.listen-address :9190
func serveCommand(args []string) {
	cfg, err := parseSimulateArgs("serve", args)
	if err != nil {
		fail(err)
	}
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fail(err)
	}
	pause, err := cfg.Server.Round()
	if err != nil {
		fail(err)
	}

	w, err := newWorkload(cfg)
	if err != nil {
		fail(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(w.det, w.m),
		collectors.NewGoCollector(),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           newMux(reg, cfg.Server.MetricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("address", cfg.Server.ListenAddress).
		Str("path", cfg.Server.MetricsPath).
		Msg("serving metrics")

	if err := serve(ctx, srv, w, pause); err != nil {
		fail(err)
	}
	log.Info().Msg("shut down")
}

// serve runs srv and the workload loop until ctx is done or either fails.
func serve(ctx context.Context, srv *http.Server, w *workload, pause time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return w.loop(ctx, pause)
	})

	return g.Wait()
}

// newMux routes the metrics path to reg and serves a landing page on /.
func newMux(reg *prometheus.Registry, path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, `<html>
<head><title>preemptcheck</title></head>
<body>
<h1>preemptcheck</h1>
<p><a href="%s">Metrics</a></p>
</body>
</html>
`, path)
	})
	return mux
}
