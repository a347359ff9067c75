package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// startRun creates, claims and starts a manual run owned by workerID.
func startRun(t *testing.T, te *testEnv, workerID string, timeoutSeconds int) *store.Run {
	t.Helper()
	ctx := context.Background()
	robot, _ := te.seedRobot(t, "bot-"+workerID)

	created, err := te.eng.CreateRun(ctx, CreateRunInput{
		RobotID:        robot.ID,
		EnvName:        "PROD",
		TriggerType:    store.TriggerManual,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := te.st.UpsertWorkerHeartbeat(workerID, "host-1", "dev", te.clk.Now()); err != nil {
		t.Fatalf("UpsertWorkerHeartbeat failed: %v", err)
	}
	run, err := te.eng.ClaimNext(ctx, workerID, 100*time.Millisecond)
	if err != nil || run == nil {
		t.Fatalf("claim = %+v (%v)", run, err)
	}
	if err := te.eng.ReportStart(ctx, run.RunID, "host-1", 1234); err != nil {
		t.Fatalf("ReportStart failed: %v", err)
	}
	return created
}

func TestWatchdogLeavesHealthyRunsAlone(t *testing.T) {
	te := newTestEnv(t)
	run := startRun(t, te, "w1", 300)
	wd := NewWatchdog(te.eng)

	wd.Sweep(context.Background())

	got, _ := te.st.GetRun(run.RunID)
	if got.Status != store.RunRunning {
		t.Fatalf("healthy run finished by watchdog: %s (%s)", got.Status, got.ErrorMessage)
	}
}

func TestWatchdogEnforcesBackupTimeout(t *testing.T) {
	te := newTestEnv(t)
	run := startRun(t, te, "w1", 60)
	wd := NewWatchdog(te.eng)
	ctx := context.Background()

	// Inside timeout plus margin: untouched.
	te.clk.advance(60 * time.Second)
	// Keep the worker alive so the lost-worker check stays quiet.
	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	wd.Sweep(ctx)
	if got, _ := te.st.GetRun(run.RunID); got.Status != store.RunRunning {
		t.Fatalf("run finished before the margin elapsed: %s", got.Status)
	}

	// Past timeout plus margin: failed as TIMEOUT.
	te.clk.advance(te.cfg.Runs.WatchdogMargin + time.Second)
	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	wd.Sweep(ctx)

	got, _ := te.st.GetRun(run.RunID)
	if got.Status != store.RunFailed || got.ErrorMessage != "TIMEOUT" {
		t.Fatalf("run = %s %q, want FAILED TIMEOUT", got.Status, got.ErrorMessage)
	}
}

func TestWatchdogForceCancelsAfterGrace(t *testing.T) {
	te := newTestEnv(t)
	run := startRun(t, te, "w1", 3600)
	wd := NewWatchdog(te.eng)
	ctx := context.Background()

	if _, err := te.eng.RequestCancel(ctx, run.RunID, "alice"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	// Within grace the worker still owns the shutdown.
	te.clk.advance(te.cfg.Runs.CancelGrace / 2)
	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	wd.Sweep(ctx)
	if got, _ := te.st.GetRun(run.RunID); got.Status != store.RunRunning {
		t.Fatalf("run finished inside the grace period: %s", got.Status)
	}

	te.clk.advance(te.cfg.Runs.CancelGrace)
	te.st.UpsertWorkerHeartbeat("w1", "host-1", "dev", te.clk.Now())
	wd.Sweep(ctx)

	got, _ := te.st.GetRun(run.RunID)
	if got.Status != store.RunCanceled {
		t.Fatalf("run = %s, want force-canceled", got.Status)
	}
	if got.CanceledBy != "alice" {
		t.Fatalf("CanceledBy = %q, want original requester preserved", got.CanceledBy)
	}
}

func TestWatchdogFailsRunsOfLostWorker(t *testing.T) {
	te := newTestEnv(t)
	run := startRun(t, te, "w1", 3600)
	wd := NewWatchdog(te.eng)
	ctx := context.Background()

	// One stale period is not enough; the worker gets double the margin.
	te.clk.advance(te.cfg.Worker.StaleAfter + time.Second)
	wd.Sweep(ctx)
	if got, _ := te.st.GetRun(run.RunID); got.Status != store.RunRunning {
		t.Fatalf("run failed after a single stale period: %s", got.Status)
	}

	te.clk.advance(te.cfg.Worker.StaleAfter)
	wd.Sweep(ctx)

	got, _ := te.st.GetRun(run.RunID)
	if got.Status != store.RunFailed {
		t.Fatalf("run = %s, want FAILED after worker loss", got.Status)
	}
	if got.ErrorMessage != "worker lost" {
		t.Fatalf("error = %q, want %q", got.ErrorMessage, "worker lost")
	}
}

func TestWatchdogLostWorkerStillRetries(t *testing.T) {
	te := newTestEnv(t)
	robot, _ := te.seedRobot(t, "bot")
	sched := te.seedSchedule(t, robot.ID, func(sc *store.Schedule) {
		sc.RetryCount = 1
		sc.RetryBackoffSeconds = 30
	})
	te.registerWorker(t, "w1")
	wd := NewWatchdog(te.eng)
	ctx := context.Background()

	fire := te.clk.Now()
	created, err := te.eng.CreateRun(ctx, CreateRunInput{
		RobotID: robot.ID, EnvName: "PROD", TriggerType: store.TriggerScheduled,
		ScheduleID: sched.ID, ScheduleFireTime: &fire,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run, err := te.eng.ClaimNext(ctx, "w1", 100*time.Millisecond); err != nil || run == nil {
		t.Fatalf("claim = %+v (%v)", run, err)
	}
	if err := te.eng.ReportStart(ctx, created.RunID, "host-1", 1234); err != nil {
		t.Fatalf("ReportStart failed: %v", err)
	}

	te.clk.advance(2*te.cfg.Worker.StaleAfter + time.Second)
	wd.Sweep(ctx)

	got, _ := te.st.GetRun(created.RunID)
	if got.Status != store.RunFailed || got.ErrorMessage != "worker lost" {
		t.Fatalf("run = %s %q, want FAILED worker lost", got.Status, got.ErrorMessage)
	}

	// A watchdog-forced failure still burns through the retry policy.
	retries, _, err := te.st.ListRuns(store.RunFilter{RobotID: robot.ID, TriggerType: store.TriggerRetry})
	if err != nil || len(retries) != 1 {
		t.Fatalf("retries = %d (%v), want 1", len(retries), err)
	}
	if retries[0].Attempt != 2 || retries[0].ScheduleID != sched.ID {
		t.Fatalf("retry = %+v", retries[0])
	}
	if n, _ := te.q.DelayedDepth(ctx); n != 1 {
		t.Fatalf("delayed depth = %d, want retry parked for its backoff", n)
	}
}

func TestWatchdogPromotesDelayedRuns(t *testing.T) {
	te := newTestEnv(t)
	robot, _ := te.seedRobot(t, "bot")
	wd := NewWatchdog(te.eng)
	ctx := context.Background()

	notBefore := te.clk.Now().Add(time.Minute)
	if _, err := te.eng.CreateRun(ctx, CreateRunInput{
		RobotID: robot.ID, EnvName: "PROD", TriggerType: store.TriggerRetry,
		Attempt: 2, NotBefore: &notBefore,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	wd.Sweep(ctx)
	if n, _ := te.q.Depth(ctx); n != 0 {
		t.Fatalf("promoted before due, depth = %d", n)
	}

	te.clk.advance(2 * time.Minute)
	wd.Sweep(ctx)
	if n, _ := te.q.Depth(ctx); n != 1 {
		t.Fatalf("depth = %d, want promoted run", n)
	}
}
