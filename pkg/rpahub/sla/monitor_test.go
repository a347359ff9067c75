package sla

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier captures delivered alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*store.AlertEvent
}

func (n *recordingNotifier) Notify(_ context.Context, _ map[string]string, alert *store.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type testEnv struct {
	mon      *Monitor
	st       *store.Store
	q        *queue.Queue
	clk      *testClock
	notifier *recordingNotifier
	cfg      config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { q.Close() })

	cfg := config.Default()
	clk := &testClock{t: time.Now().UTC().Truncate(time.Minute)}
	notifier := &recordingNotifier{}
	return &testEnv{
		mon:      New(st, q, cfg, clk, notifier, logger),
		st:       st,
		q:        q,
		clk:      clk,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (te *testEnv) seedRobot(t *testing.T, name string) (*store.Robot, *store.RobotVersion) {
	t.Helper()
	now := te.clk.Now()
	robot, err := te.st.CreateRobot(name, "", nil, now)
	if err != nil {
		t.Fatalf("CreateRobot failed: %v", err)
	}
	version := &store.RobotVersion{
		RobotID:        robot.ID,
		Version:        "1.0.0",
		ArtifactKind:   store.ArtifactZip,
		ArtifactDigest: "d0d0",
		EntrypointKind: store.EntrypointScript,
		EntrypointPath: "main.py",
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := te.st.CreateVersion(version); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	return robot, version
}

func (te *testEnv) seedRule(t *testing.T, robotID string, mutate func(*store.SLARule)) *store.SLARule {
	t.Helper()
	now := te.clk.Now()
	rule := &store.SLARule{
		RobotID:          robotID,
		LateAfterMinutes: 5,
		AlertOnFailure:   true,
		AlertOnLate:      true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if mutate != nil {
		mutate(rule)
	}
	if err := te.st.CreateSLARule(rule); err != nil {
		t.Fatalf("CreateSLARule failed: %v", err)
	}
	return rule
}

func (te *testEnv) finishRun(t *testing.T, robotID, versionID string, status store.RunStatus, at time.Time) {
	t.Helper()
	run := &store.Run{
		RobotID:        robotID,
		RobotVersionID: versionID,
		EnvName:        "PROD",
		TriggerType:    store.TriggerManual,
		QueuedAt:       at,
	}
	if err := te.st.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if _, err := te.st.TryClaim(run.RunID, "w1", 0); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if _, _, err := te.st.FinishRun(run.RunID, status, "", "", at.Add(30*time.Second)); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
}

func openAlerts(t *testing.T, st *store.Store, robotID string, typ store.AlertType) []*store.AlertEvent {
	t.Helper()
	alerts, err := st.ListAlerts(store.AlertFilter{RobotID: robotID, Type: typ, Status: "open"})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	return alerts
}

func TestLateAlertExpectedEvery(t *testing.T) {
	te := newTestEnv(t)
	robot, version := te.seedRobot(t, "bot")
	every := 30
	te.seedRule(t, robot.ID, func(r *store.SLARule) {
		r.ExpectedEveryMinutes = &every
	})
	ctx := context.Background()

	te.finishRun(t, robot.ID, version.ID, store.RunSuccess, te.clk.Now())

	// Inside the cadence plus tolerance: quiet.
	te.clk.advance(30 * time.Minute)
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, robot.ID, store.AlertLate); len(got) != 0 {
		t.Fatalf("alert opened inside the budget: %+v", got)
	}

	// Past cadence plus late_after: LATE opens once.
	te.clk.advance(10 * time.Minute)
	te.mon.Tick(ctx)
	got := openAlerts(t, te.st, robot.ID, store.AlertLate)
	if len(got) != 1 || got[0].Severity != store.SeverityWarn {
		t.Fatalf("alerts = %+v, want one WARN LATE", got)
	}
	if te.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", te.notifier.count())
	}

	// Still late on the next tick: suppressed, not duplicated.
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, robot.ID, store.AlertLate); len(got) != 1 {
		t.Fatalf("open alerts = %d, want still 1", len(got))
	}
	if te.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want no repeat", te.notifier.count())
	}

	// A new success auto-resolves it.
	te.finishRun(t, robot.ID, version.ID, store.RunSuccess, te.clk.Now())
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, robot.ID, store.AlertLate); len(got) != 0 {
		t.Fatalf("alert not auto-resolved: %+v", got)
	}
}

func TestLateAlertNeverSucceededAnchorsOnRule(t *testing.T) {
	te := newTestEnv(t)
	robot, _ := te.seedRobot(t, "bot")
	every := 15
	te.seedRule(t, robot.ID, func(r *store.SLARule) {
		r.ExpectedEveryMinutes = &every
	})
	ctx := context.Background()

	te.clk.advance(21 * time.Minute)
	te.mon.Tick(ctx)

	if got := openAlerts(t, te.st, robot.ID, store.AlertLate); len(got) != 1 {
		t.Fatalf("alerts = %d, want LATE measured from rule creation", len(got))
	}
}

func TestFailureStreakAlert(t *testing.T) {
	te := newTestEnv(t)
	robot, version := te.seedRobot(t, "bot")
	te.seedRule(t, robot.ID, nil)
	ctx := context.Background()
	threshold := te.cfg.SLA.FailureStreakThreshold

	// One failure short of the threshold: quiet.
	for i := 0; i < threshold-1; i++ {
		te.finishRun(t, robot.ID, version.ID, store.RunFailed, te.clk.Now().Add(time.Duration(i)*time.Minute))
	}
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, robot.ID, store.AlertFailureStreak); len(got) != 0 {
		t.Fatalf("alert opened below threshold: %+v", got)
	}

	te.finishRun(t, robot.ID, version.ID, store.RunFailed, te.clk.Now().Add(time.Hour))
	te.mon.Tick(ctx)
	got := openAlerts(t, te.st, robot.ID, store.AlertFailureStreak)
	if len(got) != 1 || got[0].Severity != store.SeverityCritical {
		t.Fatalf("alerts = %+v, want one CRITICAL streak", got)
	}
	if got[0].RunID == "" {
		t.Fatal("streak alert carries no run reference")
	}

	// A success breaks the streak and resolves the alert.
	te.finishRun(t, robot.ID, version.ID, store.RunSuccess, te.clk.Now().Add(2*time.Hour))
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, robot.ID, store.AlertFailureStreak); len(got) != 0 {
		t.Fatalf("streak alert not resolved after success: %+v", got)
	}
}

func TestWorkerDownAlert(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	te.st.UpsertWorkerHeartbeat("w2", "host-2", "dev", te.clk.Now())

	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, store.SentinelRobotID, store.AlertWorkerDown); len(got) != 0 {
		t.Fatalf("alert with fresh heartbeats: %+v", got)
	}

	// Both workers go quiet: one alert naming both.
	te.clk.advance(te.cfg.Worker.StaleAfter + time.Minute)
	te.mon.Tick(ctx)
	got := openAlerts(t, te.st, store.SentinelRobotID, store.AlertWorkerDown)
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want a single sentinel alert", len(got))
	}

	// Heartbeats return: auto-resolved.
	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	te.st.UpsertWorkerHeartbeat("w2", "host-2", "dev", te.clk.Now())
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, store.SentinelRobotID, store.AlertWorkerDown); len(got) != 0 {
		t.Fatalf("alert not resolved after heartbeats returned: %+v", got)
	}
}

func TestQueueBacklogAlert(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < te.cfg.SLA.QueueBacklogThreshold; i++ {
		if err := te.q.Enqueue(ctx, queue.Envelope{RunID: "run"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	te.mon.Tick(ctx)
	got := openAlerts(t, te.st, store.SentinelRobotID, store.AlertQueueBacklog)
	if len(got) != 1 || got[0].Severity != store.SeverityWarn {
		t.Fatalf("alerts = %+v, want one WARN backlog", got)
	}

	// Draining the queue resolves it.
	for {
		env, err := te.q.Dequeue(ctx, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if env == nil {
			break
		}
	}
	te.mon.Tick(ctx)
	if got := openAlerts(t, te.st, store.SentinelRobotID, store.AlertQueueBacklog); len(got) != 0 {
		t.Fatalf("backlog alert not resolved: %+v", got)
	}
}

func TestRuleTogglesSuppressChecks(t *testing.T) {
	te := newTestEnv(t)
	robot, version := te.seedRobot(t, "bot")
	every := 5
	te.seedRule(t, robot.ID, func(r *store.SLARule) {
		r.ExpectedEveryMinutes = &every
		r.AlertOnLate = false
		r.AlertOnFailure = false
	})
	ctx := context.Background()

	for i := 0; i < te.cfg.SLA.FailureStreakThreshold; i++ {
		te.finishRun(t, robot.ID, version.ID, store.RunFailed, te.clk.Now().Add(time.Duration(i)*time.Minute))
	}
	te.clk.advance(time.Hour)
	te.mon.Tick(ctx)

	alerts, err := te.st.ListAlerts(store.AlertFilter{RobotID: robot.ID, Status: "open"})
	if err != nil || len(alerts) != 0 {
		t.Fatalf("alerts = %+v (%v), want both checks disabled", alerts, err)
	}
}
