package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/cipher"
	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

type scheduleRequest struct {
	Enabled             *bool  `json:"enabled"`
	CronExpr            string `json:"cron_expr"`
	Timezone            string `json:"timezone"`
	WindowStart         string `json:"window_start"`
	WindowEnd           string `json:"window_end"`
	MaxConcurrency      int    `json:"max_concurrency"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	RetryCount          int    `json:"retry_count"`
	RetryBackoffSeconds int    `json:"retry_backoff_seconds"`
}

// handlePutSchedule implements PUT /api/v1/robots/{robotID}/schedule as an
// upsert; a robot has at most one schedule.
func (g *Gateway) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotID")
	if _, err := g.st.GetRobot(robotID); err != nil {
		g.writeStoreError(w, err)
		return
	}

	var req scheduleRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if _, err := clock.ParseCron(req.CronExpr); err != nil {
		g.writeError(w, "invalid cron_expr: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.Timezone == "" {
		req.Timezone = g.cfg.Timezone
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		g.writeError(w, "unknown timezone: "+req.Timezone, http.StatusUnprocessableEntity)
		return
	}
	if (req.WindowStart == "") != (req.WindowEnd == "") {
		g.writeError(w, "window_start and window_end must be set together", http.StatusUnprocessableEntity)
		return
	}
	for _, v := range []string{req.WindowStart, req.WindowEnd} {
		if v == "" {
			continue
		}
		if _, _, err := clock.ParseHHMM(v); err != nil {
			g.writeError(w, "invalid window time: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := g.clk.Now()

	sched, err := g.st.GetScheduleByRobot(robotID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sched = &store.Schedule{RobotID: robotID, CreatedAt: now}
	case err != nil:
		g.writeStoreError(w, err)
		return
	}

	sched.Enabled = enabled
	sched.CronExpr = req.CronExpr
	sched.Timezone = req.Timezone
	sched.WindowStart = req.WindowStart
	sched.WindowEnd = req.WindowEnd
	sched.MaxConcurrency = req.MaxConcurrency
	sched.TimeoutSeconds = req.TimeoutSeconds
	sched.RetryCount = req.RetryCount
	sched.RetryBackoffSeconds = req.RetryBackoffSeconds
	sched.UpdatedAt = now

	if sched.ID == "" {
		err = g.st.CreateSchedule(sched)
	} else {
		err = g.st.UpdateSchedule(sched)
	}
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sched)
}

// handleGetSchedule implements GET /api/v1/robots/{robotID}/schedule.
func (g *Gateway) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := g.st.GetScheduleByRobot(r.PathValue("robotID"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sched)
}

// handleDeleteSchedule implements DELETE /api/v1/robots/{robotID}/schedule.
func (g *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := g.st.DeleteSchedule(r.PathValue("robotID")); err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type slaRuleRequest struct {
	ExpectedEveryMinutes *int              `json:"expected_every_minutes"`
	ExpectedDailyTime    string            `json:"expected_daily_time"`
	LateAfterMinutes     int               `json:"late_after_minutes"`
	AlertOnFailure       *bool             `json:"alert_on_failure"`
	AlertOnLate          *bool             `json:"alert_on_late"`
	NotifyChannels       map[string]string `json:"notify_channels"`
}

// handlePutSLARule implements PUT /api/v1/robots/{robotID}/sla as an
// upsert; a robot has at most one rule.
func (g *Gateway) handlePutSLARule(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotID")
	if _, err := g.st.GetRobot(robotID); err != nil {
		g.writeStoreError(w, err)
		return
	}

	var req slaRuleRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.ExpectedDailyTime != "" {
		if _, _, err := clock.ParseHHMM(req.ExpectedDailyTime); err != nil {
			g.writeError(w, "invalid expected_daily_time: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}
	if req.ExpectedEveryMinutes != nil && *req.ExpectedEveryMinutes <= 0 {
		g.writeError(w, "expected_every_minutes must be positive", http.StatusUnprocessableEntity)
		return
	}

	now := g.clk.Now()
	rule, err := g.st.GetSLARuleByRobot(robotID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rule = &store.SLARule{RobotID: robotID, CreatedAt: now}
	case err != nil:
		g.writeStoreError(w, err)
		return
	}

	rule.ExpectedEveryMinutes = req.ExpectedEveryMinutes
	rule.ExpectedDailyTime = req.ExpectedDailyTime
	rule.LateAfterMinutes = req.LateAfterMinutes
	rule.AlertOnFailure = req.AlertOnFailure == nil || *req.AlertOnFailure
	rule.AlertOnLate = req.AlertOnLate == nil || *req.AlertOnLate
	rule.NotifyChannels = req.NotifyChannels
	rule.UpdatedAt = now

	if rule.ID == "" {
		err = g.st.CreateSLARule(rule)
	} else {
		err = g.st.UpdateSLARule(rule)
	}
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rule)
}

// handleGetSLARule implements GET /api/v1/robots/{robotID}/sla.
func (g *Gateway) handleGetSLARule(w http.ResponseWriter, r *http.Request) {
	rule, err := g.st.GetSLARuleByRobot(r.PathValue("robotID"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rule)
}

type envBindingItem struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"is_secret"`
}

type envBindingsRequest struct {
	Items []envBindingItem `json:"items"`
}

// envBindingView is a binding as returned by the API. Secret values are
// never echoed back; is_set tells the caller one exists.
type envBindingView struct {
	Key       string    `json:"key"`
	Value     *string   `json:"value"`
	IsSecret  bool      `json:"is_secret"`
	IsSet     bool      `json:"is_set"`
	UpdatedAt time.Time `json:"updated_at"`
}

// envParams resolves the robot and the ?env= query parameter shared by
// the binding handlers.
func (g *Gateway) envParams(w http.ResponseWriter, r *http.Request) (robotID, envName string, ok bool) {
	robotID = r.PathValue("robotID")
	envName = r.URL.Query().Get("env")
	if !store.ValidEnvName(envName) {
		g.writeError(w, "env must be PROD, HML or TEST", http.StatusUnprocessableEntity)
		return "", "", false
	}
	if _, err := g.st.GetRobot(robotID); err != nil {
		g.writeStoreError(w, err)
		return "", "", false
	}
	return robotID, envName, true
}

// handlePutEnvBindings implements PUT /api/v1/robots/{robotID}/env?env=.
// The body carries a batch of bindings; values are encrypted before
// they reach the store.
func (g *Gateway) handlePutEnvBindings(w http.ResponseWriter, r *http.Request) {
	robotID, envName, ok := g.envParams(w, r)
	if !ok {
		return
	}

	var req envBindingsRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		g.writeError(w, "items is required", http.StatusUnprocessableEntity)
		return
	}
	for i := range req.Items {
		req.Items[i].Key = strings.TrimSpace(req.Items[i].Key)
		if req.Items[i].Key == "" {
			g.writeError(w, "every item needs a key", http.StatusUnprocessableEntity)
			return
		}
	}
	if g.ciph == nil {
		g.writeStoreError(w, cipher.ErrKeyMissing)
		return
	}

	now := g.clk.Now()
	views := make([]envBindingView, 0, len(req.Items))
	for _, item := range req.Items {
		sealed, err := g.ciph.Encrypt(item.Value)
		if err != nil {
			g.writeStoreError(w, err)
			return
		}
		binding := &store.EnvBinding{
			RobotID:   robotID,
			EnvName:   envName,
			Key:       item.Key,
			Value:     sealed,
			IsSecret:  item.IsSecret,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.st.UpsertEnvBinding(binding); err != nil {
			g.writeStoreError(w, err)
			return
		}
		views = append(views, g.redactBinding(binding))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// handleListEnvBindings implements GET /api/v1/robots/{robotID}/env?env=.
func (g *Gateway) handleListEnvBindings(w http.ResponseWriter, r *http.Request) {
	robotID, envName, ok := g.envParams(w, r)
	if !ok {
		return
	}
	bindings, err := g.st.ListEnvBindings(robotID, envName)
	if err != nil {
		g.writeStoreError(w, err)
		return
	}

	views := make([]envBindingView, 0, len(bindings))
	for _, b := range bindings {
		views = append(views, g.redactBinding(b))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// handleDeleteEnvBinding implements
// DELETE /api/v1/robots/{robotID}/env/{key}?env=.
func (g *Gateway) handleDeleteEnvBinding(w http.ResponseWriter, r *http.Request) {
	envName := r.URL.Query().Get("env")
	if !store.ValidEnvName(envName) {
		g.writeError(w, "env must be PROD, HML or TEST", http.StatusUnprocessableEntity)
		return
	}
	err := g.st.DeleteEnvBinding(r.PathValue("robotID"), envName, r.PathValue("key"))
	if err != nil {
		g.writeStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// redactBinding hides secret values; plain config values are returned
// decrypted.
func (g *Gateway) redactBinding(b *store.EnvBinding) envBindingView {
	view := envBindingView{
		Key:       b.Key,
		IsSecret:  b.IsSecret,
		IsSet:     true,
		UpdatedAt: b.UpdatedAt,
	}
	if b.IsSecret || g.ciph == nil {
		return view
	}
	plain, err := g.ciph.Decrypt(b.Value)
	if err != nil {
		g.logger.Error("decrypt binding failed", "robot_id", b.RobotID, "key", b.Key, "error", err)
		return view
	}
	view.Value = &plain
	return view
}
