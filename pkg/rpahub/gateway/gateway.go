// Package gateway is the HTTP API of the hub: run execution and
// inspection, robot and version management, schedule, SLA and env
// configuration, worker and alert operations, and the live run log
// stream over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rpahub/rpahub/pkg/rpahub/artifacts"
	"github.com/rpahub/rpahub/pkg/rpahub/cipher"
	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/logbus"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Gateway is the HTTP API server.
type Gateway struct {
	st     *store.Store
	eng    *engine.Engine
	q      *queue.Queue
	bus    *logbus.Bus
	blobs  *artifacts.Store
	ciph   *cipher.Cipher
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger

	server    *http.Server
	startedAt time.Time
	upgrader  websocket.Upgrader
}

// New creates a gateway.
func New(st *store.Store, eng *engine.Engine, q *queue.Queue, bus *logbus.Bus, blobs *artifacts.Store, ciph *cipher.Cipher, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Gateway {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		st:     st,
		eng:    eng,
		q:      q,
		bus:    bus,
		blobs:  blobs,
		ciph:   ciph,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Token auth happens in the handler; origins are not checked.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// routes builds the full route table under the /api/v1 base path.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health is always public.
	mux.HandleFunc("GET /health", g.handleHealth)

	// Runs.
	mux.HandleFunc("POST /api/v1/runs/{robotID}/execute", g.handleExecuteRun)
	mux.HandleFunc("GET /api/v1/runs", g.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{runID}", g.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{runID}/logs", g.handleRunLogs)
	mux.HandleFunc("POST /api/v1/runs/{runID}/cancel", g.handleCancelRun)
	mux.HandleFunc("GET /api/v1/runs/{runID}/artifacts", g.handleRunArtifacts)
	mux.HandleFunc("GET /api/v1/runs/{runID}/artifacts/{artifactID}/download", g.handleArtifactDownload)

	// Robots and versions. The deploy route carries its own credential
	// and addresses the robot by id or name.
	mux.HandleFunc("POST /api/v1/robots", g.handleCreateRobot)
	mux.HandleFunc("GET /api/v1/robots", g.handleListRobots)
	mux.HandleFunc("GET /api/v1/robots/{robotID}", g.handleGetRobot)
	mux.HandleFunc("POST /api/v1/robots/{robotID}/versions/publish", g.handlePublishVersion)
	mux.HandleFunc("GET /api/v1/robots/{robotID}/versions", g.handleListVersions)
	mux.HandleFunc("POST /api/v1/robots/{robotID}/versions/{versionID}/activate", g.handleActivateVersion)
	mux.HandleFunc("POST /api/v1/deploy/robots/{robotRef}/versions/publish", g.handleDeploy)

	// Schedules, SLA rules and env bindings.
	mux.HandleFunc("PUT /api/v1/robots/{robotID}/schedule", g.handlePutSchedule)
	mux.HandleFunc("GET /api/v1/robots/{robotID}/schedule", g.handleGetSchedule)
	mux.HandleFunc("DELETE /api/v1/robots/{robotID}/schedule", g.handleDeleteSchedule)
	mux.HandleFunc("PUT /api/v1/robots/{robotID}/sla", g.handlePutSLARule)
	mux.HandleFunc("GET /api/v1/robots/{robotID}/sla", g.handleGetSLARule)
	mux.HandleFunc("PUT /api/v1/robots/{robotID}/env", g.handlePutEnvBindings)
	mux.HandleFunc("GET /api/v1/robots/{robotID}/env", g.handleListEnvBindings)
	mux.HandleFunc("DELETE /api/v1/robots/{robotID}/env/{key}", g.handleDeleteEnvBinding)

	// Operations.
	mux.HandleFunc("GET /api/v1/workers", g.handleListWorkers)
	mux.HandleFunc("POST /api/v1/workers/{workerID}/pause", g.handlePauseWorker)
	mux.HandleFunc("POST /api/v1/workers/{workerID}/resume", g.handleResumeWorker)
	mux.HandleFunc("GET /api/v1/ops/status", g.handleOpsStatus)
	mux.HandleFunc("GET /api/v1/alerts", g.handleListAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{alertID}/resolve", g.handleResolveAlert)

	// Live log stream.
	mux.HandleFunc("GET /ws/runs/{runID}/logs", g.handleRunLogStream)

	return mux
}

// Handler returns the fully wired handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	if g.startedAt.IsZero() {
		g.startedAt = time.Now()
	}
	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(g.routes())))
}

// Start begins serving. It returns immediately; errors from the listener
// are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.cfg.APIAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.cfg.APIAuthToken == "" {
		g.logger.Warn("gateway has no auth token, API is open", "address", g.cfg.APIAddr)
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.APIAddr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps domain errors onto HTTP statuses.
func (g *Gateway) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateFire):
		g.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrNoActiveVersion):
		g.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrValidation):
		g.writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, cipher.ErrKeyMissing):
		g.writeError(w, "encryption key is not configured", http.StatusInternalServerError)
	default:
		g.logger.Error("request failed", "error", err)
		g.writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		g.writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
