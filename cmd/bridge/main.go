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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"concierge/bridge/internal/api"
	"concierge/bridge/internal/config"
	"concierge/bridge/internal/health"
	"concierge/bridge/internal/obs"
	"concierge/bridge/internal/session"
	"concierge/bridge/internal/speech"
	"concierge/bridge/internal/store"
	"concierge/bridge/internal/telephony"
	"concierge/bridge/internal/tools"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	st := store.New()
	emitter := obs.NewEmitter(st)
	registry := tools.NewRegistry()
	provider := tools.NewHTTPProvider(cfg.Tools.BaseURL)
	dispatcher := tools.NewDispatcher(registry, provider, cfg.Tools.Timeout, cfg.Tools.MaxConcurrency)

	dial := func(ctx context.Context) (speech.Conn, error) {
		return speech.Dial(ctx, cfg.Speech.URL, cfg.Speech.APIKey, cfg.Speech.DialTimeout, speech.Options{
			Model:        cfg.Speech.Model,
			Voice:        cfg.Speech.Voice,
			Instructions: cfg.Speech.Instructions,
			Tools:        registry.Declarations(),
			SampleRate:   cfg.Speech.SampleRate,
		})
	}
	mgr := session.NewManager(cfg, st, emitter, registry, dispatcher, dial)

	h := api.NewHandlers(cfg, st, mgr)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(h))
	mux.Handle("/metrics", promhttp.Handler())

	// Deep health check against the configured upstreams.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		status := health.CheckAll(ctx, cfg)
		w.Header().Set("Content-Type", "application/json")
		if !status.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":            status.OK,
			"checks":        status.Checks,
			"checked_at":    status.CheckedAt,
			"live_sessions": mgr.LiveCount(),
		})
	})

	// Inbound telephony media stream.
	telServer := telephony.NewServer(cfg.Telephony.SetupWindow, cfg.Telephony.StreamSecret, mgr.HandleCall)
	mux.HandleFunc("/media-stream", telServer.HandleMediaStream)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; stopping server...")
		// Drain live calls before closing the listener.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
	}()

	log.Printf("bridge starting on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
