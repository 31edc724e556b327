// Command dorad runs a DORA execution core over the in-memory reference
// storage engine and exposes an HTTP admin surface for it.
//
// Configuration:
//   - DORAD_ADDR: listen address (default ":8080")
//   - DORAD_CONFIG: optional path to a TOML or YAML option-table file
//   - DORA_*: any recognized option (see internal/config), overriding the file
//
// Endpoints:
//
//	GET  /stats     - per-partition operational counters, as JSON
//	POST /start     - start partition workers and the commit pipeline
//	POST /stop      - stop the commit pipeline, then every partition
//	POST /new_run   - pause, drain, optionally reset lock tables, resume
//	GET  /metrics   - Prometheus exposition format
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shore-mt/dora/internal/config"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/env"
	"github.com/shore-mt/dora/internal/key"
	"github.com/shore-mt/dora/internal/logging"
	"github.com/shore-mt/dora/internal/metrics"
)

func main() {
	addr := getenv("DORAD_ADDR", ":8080")

	cfg, err := config.Load(os.Getenv("DORAD_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New()
	reg := metrics.New()

	eng := engine.NewMemoryEngine()
	e := env.New(eng, cfg, logger, reg)

	if err := e.AddTable("demo", engine.RangeMap{
		Boundaries: []key.Key{key.MustNew(0)},
		IDs:        []int{0},
	}); err != nil {
		log.Fatalf("add table: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", handleStats(e))
	mux.HandleFunc("/start", handleStart(e, ctx))
	mux.HandleFunc("/stop", handleStop(e))
	mux.HandleFunc("/new_run", handleNewRun(e))
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("dorad listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("stopping execution core...")
	if err := e.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("dorad stopped")
}

func handleStats(e *env.Environment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(e.Stats()); err != nil {
			log.Printf("encoding stats response: %v", err)
		}
	}
}

// handleStart re-starts the execution core after a prior /stop: it must
// not seed partition goroutines from r.Context(), which is canceled the
// moment this handler returns, so it closes over the process's
// long-lived background ctx instead. Start is idempotent (see
// Environment.Start), so a /start while already running just reports
// the error rather than launching a second set of worker goroutines.
func handleStart(e *env.Environment, ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := e.Start(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleStop(e *env.Environment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := e.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleNewRun(e *env.Environment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resetLockTables := r.URL.Query().Get("reset") == "true"
		aborted := e.NewRun(resetLockTables)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(aborted); err != nil {
			log.Printf("encoding new_run response: %v", err)
		}
	}
}

// getenv retrieves an environment variable with a default fallback.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
