package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

type executeRunRequest struct {
	// RobotVersionID and VersionID are aliases; older clients send
	// version_id. Sending both with different values is rejected.
	RobotVersionID string            `json:"robot_version_id"`
	VersionID      string            `json:"version_id"`
	EnvName        string            `json:"env_name"`
	RuntimeArgs    []string          `json:"runtime_arguments"`
	RuntimeEnv     map[string]string `json:"runtime_env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	TriggeredBy    string            `json:"triggered_by"`
}

// handleExecuteRun implements POST /api/v1/runs/{robotID}/execute.
func (g *Gateway) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	var req executeRunRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	versionID := req.RobotVersionID
	if req.VersionID != "" {
		if versionID != "" && versionID != req.VersionID {
			g.writeError(w, "robot_version_id and version_id disagree", http.StatusUnprocessableEntity)
			return
		}
		versionID = req.VersionID
	}
	if req.EnvName == "" {
		req.EnvName = "PROD"
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	run, err := g.eng.CreateRun(r.Context(), engine.CreateRunInput{
		RobotID:        r.PathValue("robotID"),
		VersionID:      versionID,
		EnvName:        req.EnvName,
		TriggerType:    store.TriggerManual,
		Params:         store.RunParams{Args: req.RuntimeArgs, Env: req.RuntimeEnv},
		TriggeredBy:    req.TriggeredBy,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns implements GET /api/v1/runs with filter and pagination
// query parameters.
func (g *Gateway) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		RobotID:     q.Get("robot_id"),
		ScheduleID:  q.Get("schedule_id"),
		Status:      store.RunStatus(q.Get("status")),
		TriggerType: store.TriggerType(q.Get("trigger_type")),
		Skip:        queryInt(q.Get("skip"), 0),
		Limit:       queryInt(q.Get("limit"), 50),
	}

	runs, total, err := g.st.ListRuns(filter)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"items": runs,
		"total": total,
		"skip":  filter.Skip,
		"limit": filter.Limit,
	})
}

// handleGetRun implements GET /api/v1/runs/{runID}.
func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := g.st.GetRun(r.PathValue("runID"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, run)
}

// handleRunLogs implements GET /api/v1/runs/{runID}/logs?after_seq=&limit=.
func (g *Gateway) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lines, err := g.eng.Logs(r.PathValue("runID"),
		int64(queryInt(q.Get("after_seq"), 0)), queryInt(q.Get("limit"), 0))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if lines == nil {
		lines = []*store.RunLog{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": lines})
}

type cancelRunRequest struct {
	CanceledBy string `json:"canceled_by"`
}

// handleCancelRun implements POST /api/v1/runs/{runID}/cancel. Canceling a
// terminal run returns it unchanged.
func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength > 0 && !g.decodeBody(w, r, &req) {
		return
	}
	if req.CanceledBy == "" {
		req.CanceledBy = "api"
	}
	run, err := g.eng.RequestCancel(r.Context(), r.PathValue("runID"), req.CanceledBy)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, run)
}

// handleRunArtifacts implements GET /api/v1/runs/{runID}/artifacts.
func (g *Gateway) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if _, err := g.st.GetRun(runID); err != nil {
		g.writeStoreError(w, err)
		return
	}
	items, err := g.st.ListArtifacts(runID)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []*store.Artifact{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleArtifactDownload implements
// GET /api/v1/runs/{runID}/artifacts/{artifactID}/download.
func (g *Gateway) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := g.st.GetArtifact(r.PathValue("artifactID"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if artifact.RunID != r.PathValue("runID") {
		g.writeError(w, "artifact does not belong to this run", http.StatusNotFound)
		return
	}
	abs, err := g.blobs.Resolve(artifact.Path)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	if artifact.ContentType != "" {
		w.Header().Set("Content-Type", artifact.ContentType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	http.ServeFile(w, r, abs)
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
