// Package runtime assembles the jerga daemon: bus, speech-to-text, slang
// detector, viewer broadcast and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/jerga/internal/broadcast"
	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/capability"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/detector"
	"github.com/loqalabs/jerga/internal/eventstore"
	"github.com/loqalabs/jerga/internal/natsserver"
	"github.com/loqalabs/jerga/internal/slang"
	"github.com/loqalabs/jerga/internal/stt"
)

type healthChecker interface {
	Healthy() bool
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	set         *slang.Set
	registry    *capability.Registry
	stt         *stt.Service
	detector    *detector.Service
	hub         *broadcast.Hub

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves HTTP until ctx is done, then shuts
// down in reverse order. A dictionary that fails to load aborts startup.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	set, err := LoadSet(r.cfg.Dictionary, r.logger)
	if err != nil {
		return err
	}
	r.set = set
	r.logger.Info("dictionary loaded",
		slog.String("directory", r.cfg.Dictionary.Directory),
		slog.Int("patterns", set.Len()))

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	if err := registry.Advertise("slang.detect", capabilityAttributes(set, r.cfg.Dictionary)); err != nil {
		r.logger.Warn("failed to advertise dictionary", slog.String("error", err.Error()))
	}

	var console *broadcast.Console
	if r.cfg.Broadcast.Console {
		console = broadcast.NewConsole(os.Stdout)
	}
	r.hub = broadcast.NewHub(ctx, r.cfg.Broadcast, busClient, console, r.logger)
	if err := r.hub.Start(); err != nil {
		return err
	}

	r.detector = detector.NewService(ctx, r.cfg.Detector, busClient, set, store, r.logger)
	if err := r.detector.Start(); err != nil {
		return err
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, busClient, recognizer)
		if err := r.stt.Start(); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		r.wg.Wait()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.detector != nil {
		r.detector.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("GET /metrics", metrics)
	if r.cfg.Broadcast.Enabled && r.hub != nil {
		mux.Handle(r.cfg.Broadcast.Path, r.hub)
	}
	mux.HandleFunc("POST /api/scan", r.handleScan)
	mux.HandleFunc("GET /api/sessions/{id}/utterances", r.handleSessionUtterances)
	mux.HandleFunc("GET /api/terms", r.handleTerms)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	checks := []healthChecker{r.bus, r.registry}
	if r.stt != nil {
		checks = append(checks, r.stt)
	}
	if r.detector != nil {
		checks = append(checks, r.detector)
	}
	if r.hub != nil {
		checks = append(checks, r.hub)
	}
	for _, c := range checks {
		if c == nil || !c.Healthy() {
			return false
		}
	}
	return true
}

type scanRequest struct {
	Text string `json:"text"`
}

type scanResponse struct {
	Matches []slang.Match `json:"matches"`
}

func (r *Runtime) handleScan(w http.ResponseWriter, req *http.Request) {
	var body scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if r.set == nil {
		writeError(w, http.StatusServiceUnavailable, "dictionary not loaded")
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{Matches: r.set.Scan(body.Text)})
}

func (r *Runtime) handleSessionUtterances(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	utterances, err := r.store.ListSessionUtterances(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("list utterances failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list utterances")
		return
	}
	if utterances == nil {
		utterances = []eventstore.Utterance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"utterances": utterances})
}

// handleTerms accepts since as RFC 3339 or as a duration back from now
// ("24h"). Without it every recorded flag counts.
func (r *Runtime) handleTerms(w http.ResponseWriter, req *http.Request) {
	var since time.Time
	if raw := req.URL.Query().Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = time.Now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			since = ts
		} else {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
			return
		}
	}
	counts, err := r.store.TermCounts(req.Context(), since)
	if err != nil {
		r.logger.Warn("term counts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count terms")
		return
	}
	if counts == nil {
		counts = []eventstore.TermCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terms": counts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
