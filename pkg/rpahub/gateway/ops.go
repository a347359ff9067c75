package gateway

import (
	"net/http"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// handleHealth implements GET /health. Always public; degraded
// dependencies are reported, not hidden behind a 500.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()

	redisOK := g.q.Ping(r.Context()) == nil
	dbOK := g.st.DB().PingContext(r.Context()) == nil

	status := "ok"
	code := http.StatusOK
	if !redisOK || !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": uptime,
		"redis":  redisOK,
		"db":     dbOK,
	})
}

// handleListWorkers implements GET /api/v1/workers.
func (g *Gateway) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := g.st.ListWorkers()
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []*store.Worker{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": workers})
}

// handlePauseWorker implements POST /api/v1/workers/{workerID}/pause. A
// paused worker keeps heartbeating and finishing in-flight runs but
// claims nothing new.
func (g *Gateway) handlePauseWorker(w http.ResponseWriter, r *http.Request) {
	g.setWorkerStatus(w, r, store.WorkerPaused)
}

// handleResumeWorker implements POST /api/v1/workers/{workerID}/resume.
func (g *Gateway) handleResumeWorker(w http.ResponseWriter, r *http.Request) {
	g.setWorkerStatus(w, r, store.WorkerRunning)
}

func (g *Gateway) setWorkerStatus(w http.ResponseWriter, r *http.Request, status store.WorkerStatus) {
	workerID := r.PathValue("workerID")
	if err := g.st.SetWorkerStatus(workerID, status); err != nil {
		g.writeStoreError(w, err)
		return
	}
	worker, err := g.st.GetWorker(workerID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, worker)
}

// handleOpsStatus implements GET /api/v1/ops/status, the dashboard's
// one-call operational overview.
func (g *Gateway) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	now := g.clk.Now()

	pending, err := g.st.CountByStatus(store.RunPending)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	running, err := g.st.CountByStatus(store.RunRunning)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	failedLastHour, err := g.st.CountFailedSince(now.Add(-time.Hour))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	workersTotal, err := g.st.CountWorkers()
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	workersRunning, err := g.st.CountWorkersByStatus(store.WorkerRunning)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	workersPaused, err := g.st.CountWorkersByStatus(store.WorkerPaused)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	stale, err := g.st.StaleWorkers(now.Add(-g.cfg.Worker.StaleAfter))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	depth, err := g.q.Depth(r.Context())
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	delayed, err := g.q.DelayedDepth(r.Context())
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	openAlerts, err := g.st.ListAlerts(store.AlertFilter{Status: "open"})
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"total_workers":         workersTotal,
		"workers_running":       workersRunning,
		"workers_paused":        workersPaused,
		"workers_stale":         len(stale),
		"queue_depth":           depth,
		"queue_delayed":         delayed,
		"runs_pending":          pending,
		"runs_running":          running,
		"runs_failed_last_hour": failedLastHour,
		"alerts_open":           len(openAlerts),
		"uptime_seconds":        int64(time.Since(g.startedAt).Seconds()),
		"generated_at":          now,
	})
}

// handleListAlerts implements GET /api/v1/alerts.
func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := g.st.ListAlerts(store.AlertFilter{
		RobotID: q.Get("robot_id"),
		Type:    store.AlertType(q.Get("type")),
		Status:  q.Get("status"),
		Limit:   queryInt(q.Get("limit"), 0),
	})
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*store.AlertEvent{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}

// handleResolveAlert implements POST /api/v1/alerts/{alertID}/resolve.
// Resolving an already resolved alert is a no-op.
func (g *Gateway) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := g.st.ResolveAlert(r.PathValue("alertID"), g.clk.Now())
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, alert)
}
