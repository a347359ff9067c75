package store

import (
	"errors"
	"testing"
	"time"
)

func pendingRun(t *testing.T, s *Store, robotID, versionID string, queuedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		RobotID:        robotID,
		RobotVersionID: versionID,
		EnvName:        "PROD",
		TriggerType:    TriggerManual,
		Params:         RunParams{},
		QueuedAt:       queuedAt,
		TriggeredBy:    "test",
	}
	if err := s.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	return run
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC().Truncate(time.Second)
	run := pendingRun(t, s, robot.ID, version.ID, now)

	if run.Status != RunPending || run.Attempt != 1 {
		t.Fatalf("inserted run = %s attempt %d, want PENDING attempt 1", run.Status, run.Attempt)
	}

	claimed, err := s.TryClaim(run.RunID, "w1", 1)
	if err != nil || !claimed {
		t.Fatalf("TryClaim = %v (%v), want claimed", claimed, err)
	}
	if err := s.MarkStarted(run.RunID, "host-1", 4242, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	got, err := s.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunRunning || got.WorkerID != "w1" || got.HostName != "host-1" {
		t.Fatalf("running run = %+v", got)
	}
	if got.StartedAt == nil || got.ProcessID == nil || *got.ProcessID != 4242 {
		t.Fatalf("started_at/pid not recorded: %+v", got)
	}

	finish := now.Add(90 * time.Second)
	final, finished, err := s.FinishRun(run.RunID, RunSuccess, "", "", finish)
	if err != nil || !finished {
		t.Fatalf("FinishRun = %v (%v), want finished", finished, err)
	}
	if final.Status != RunSuccess || final.FinishedAt == nil {
		t.Fatalf("final run = %+v", final)
	}
	if final.DurationSeconds == nil || *final.DurationSeconds < 88 || *final.DurationSeconds > 90 {
		t.Fatalf("duration = %v, want about 89s", final.DurationSeconds)
	}

	// A second finish is reported, not applied.
	again, finished, err := s.FinishRun(run.RunID, RunFailed, "late", "", finish.Add(time.Minute))
	if err != nil || finished {
		t.Fatalf("second FinishRun = %v (%v), want not finished", finished, err)
	}
	if again.Status != RunSuccess {
		t.Fatalf("terminal status was overwritten: %s", again.Status)
	}
}

func TestTryClaimConcurrencyCap(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC()

	first := pendingRun(t, s, robot.ID, version.ID, now)
	second := pendingRun(t, s, robot.ID, version.ID, now)

	if claimed, err := s.TryClaim(first.RunID, "w1", 1); err != nil || !claimed {
		t.Fatalf("first claim = %v (%v)", claimed, err)
	}
	if claimed, err := s.TryClaim(second.RunID, "w2", 1); err != nil || claimed {
		t.Fatalf("second claim = %v (%v), want refused at cap 1", claimed, err)
	}

	// Still PENDING, claimable once the first finishes.
	got, _ := s.GetRun(second.RunID)
	if got.Status != RunPending {
		t.Fatalf("refused run status = %s, want PENDING", got.Status)
	}
	if _, _, err := s.FinishRun(first.RunID, RunSuccess, "", "", now.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if claimed, err := s.TryClaim(second.RunID, "w2", 1); err != nil || !claimed {
		t.Fatalf("claim after finish = %v (%v), want claimed", claimed, err)
	}
}

func TestTryClaimUncapped(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		run := pendingRun(t, s, robot.ID, version.ID, now)
		if claimed, err := s.TryClaim(run.RunID, "w1", 0); err != nil || !claimed {
			t.Fatalf("claim %d = %v (%v), want claimed with no cap", i, claimed, err)
		}
	}
	if n, _ := s.RunningCount(robot.ID); n != 3 {
		t.Fatalf("running = %d, want 3", n)
	}
}

func TestTryClaimMissingRun(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.TryClaim("nope", "w1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateScheduleFire(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC()

	sched := &Schedule{RobotID: robot.ID, Enabled: true, CronExpr: "0 * * * *", Timezone: "UTC", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSchedule(sched); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	fire := now.Truncate(time.Hour)
	mk := func() *Run {
		return &Run{
			RobotID:          robot.ID,
			RobotVersionID:   version.ID,
			ScheduleID:       sched.ID,
			ScheduleFireTime: &fire,
			EnvName:          "PROD",
			TriggerType:      TriggerScheduled,
			QueuedAt:         now,
		}
	}
	if err := s.InsertRun(mk()); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if err := s.InsertRun(mk()); !errors.Is(err, ErrDuplicateFire) {
		t.Fatalf("expected ErrDuplicateFire, got %v", err)
	}

	// A retry of the same fire is a distinct row.
	retry := mk()
	retry.TriggerType = TriggerRetry
	retry.Attempt = 2
	if err := s.InsertRun(retry); err != nil {
		t.Fatalf("retry insert failed: %v", err)
	}
}

func TestFailPending(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC()
	run := pendingRun(t, s, robot.ID, version.ID, now)

	ok, err := s.FailPending(run.RunID, "MissingRequiredEnv: API_KEY", now)
	if err != nil || !ok {
		t.Fatalf("FailPending = %v (%v)", ok, err)
	}
	got, _ := s.GetRun(run.RunID)
	if got.Status != RunFailed || got.ErrorMessage != "MissingRequiredEnv: API_KEY" {
		t.Fatalf("run = %+v", got)
	}

	// Only PENDING runs are eligible.
	ok, err = s.FailPending(run.RunID, "again", now)
	if err != nil || ok {
		t.Fatalf("second FailPending = %v (%v), want no-op", ok, err)
	}
}

func TestRequestCancelPending(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC().Truncate(time.Second)
	run := pendingRun(t, s, robot.ID, version.ID, now)

	got, err := s.RequestCancel(run.RunID, "alice", now)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if got.Status != RunCanceled {
		t.Fatalf("pending run not canceled immediately: %s", got.Status)
	}
	if !got.CancelRequested || got.CanceledBy != "alice" || got.CanceledAt == nil {
		t.Fatalf("cancel bookkeeping missing: %+v", got)
	}
}

func TestRequestCancelRunning(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC().Truncate(time.Second)
	run := pendingRun(t, s, robot.ID, version.ID, now)

	if _, err := s.TryClaim(run.RunID, "w1", 1); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	got, err := s.RequestCancel(run.RunID, "alice", now)
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if got.Status != RunRunning {
		t.Fatalf("running run flipped to %s, want cooperative cancel", got.Status)
	}
	if !got.CancelRequested || got.CanceledAt == nil || !got.CanceledAt.Equal(now) {
		t.Fatalf("cancel request not stamped: %+v", got)
	}

	// The worker observes the flag and finishes CANCELED.
	final, finished, err := s.FinishRun(run.RunID, RunCanceled, "", "worker", now.Add(5*time.Second))
	if err != nil || !finished {
		t.Fatalf("FinishRun = %v (%v)", finished, err)
	}
	if final.CanceledBy != "alice" {
		t.Fatalf("CanceledBy = %q, want original requester preserved", final.CanceledBy)
	}
	if !final.CanceledAt.Equal(now) {
		t.Fatalf("CanceledAt = %v, want request time preserved", final.CanceledAt)
	}

	// Cancel of a terminal run is a no-op.
	again, err := s.RequestCancel(run.RunID, "bob", now.Add(time.Minute))
	if err != nil || again.Status != RunCanceled || again.CanceledBy != "alice" {
		t.Fatalf("re-cancel changed the run: %+v (%v)", again, err)
	}
}

func TestLastTerminalRunsOrder(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	base := time.Now().UTC().Add(-time.Hour)

	statuses := []RunStatus{RunSuccess, RunFailed, RunFailed, RunFailed}
	for i, status := range statuses {
		run := pendingRun(t, s, robot.ID, version.ID, base.Add(time.Duration(i)*time.Minute))
		if _, err := s.TryClaim(run.RunID, "w1", 0); err != nil {
			t.Fatalf("TryClaim failed: %v", err)
		}
		if _, _, err := s.FinishRun(run.RunID, status, "", "", base.Add(time.Duration(i)*time.Minute+30*time.Second)); err != nil {
			t.Fatalf("FinishRun failed: %v", err)
		}
	}
	// One PENDING run must not appear.
	pendingRun(t, s, robot.ID, version.ID, base.Add(time.Hour))

	last, err := s.LastTerminalRuns(robot.ID, 3)
	if err != nil {
		t.Fatalf("LastTerminalRuns failed: %v", err)
	}
	if len(last) != 3 {
		t.Fatalf("got %d runs, want 3", len(last))
	}
	for i, r := range last {
		if r.Status != RunFailed {
			t.Fatalf("run %d status = %s, want the 3 newest (all FAILED)", i, r.Status)
		}
	}
}

func TestSuccessCounters(t *testing.T) {
	s := newTestStore(t)
	robot, version := seedRobot(t, s, "bot")
	now := time.Now().UTC().Truncate(time.Second)

	run := pendingRun(t, s, robot.ID, version.ID, now.Add(-time.Hour))
	if _, err := s.TryClaim(run.RunID, "w1", 0); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if _, _, err := s.FinishRun(run.RunID, RunSuccess, "", "", now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	finish, err := s.LastSuccessfulFinish(robot.ID)
	if err != nil || !finish.Equal(now.Add(-30*time.Minute)) {
		t.Fatalf("LastSuccessfulFinish = %v (%v)", finish, err)
	}
	if n, _ := s.CountSuccessSince(robot.ID, now.Add(-time.Hour)); n != 1 {
		t.Fatalf("CountSuccessSince = %d, want 1", n)
	}
	if n, _ := s.CountSuccessSince(robot.ID, now); n != 0 {
		t.Fatalf("CountSuccessSince after finish = %d, want 0", n)
	}

	other, _ := seedRobot(t, s, "other-bot")
	if _, err := s.LastSuccessfulFinish(other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for robot with no successes, got %v", err)
	}
}
