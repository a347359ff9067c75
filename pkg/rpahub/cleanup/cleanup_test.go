package cleanup

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpahub/rpahub/pkg/rpahub/artifacts"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
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

type testEnv struct {
	cleaner *Cleaner
	st      *store.Store
	blobs   *artifacts.Store
	clk     *testClock
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifacts.New failed: %v", err)
	}

	cfg := config.Default()
	cfg.Retention.LogDays = 7
	cfg.Retention.ArtifactDays = 7
	cfg.Retention.RunDays = 14
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &testClock{t: time.Now().UTC().Truncate(time.Second)}
	return &testEnv{
		cleaner: New(st, blobs, cfg, clk, logger),
		st:      st,
		blobs:   blobs,
		clk:     clk,
	}
}

// finishedRun inserts a run that reached SUCCESS at the given time, with
// one log line and one registered artifact file from the same moment.
func (te *testEnv) finishedRun(t *testing.T, robotID, versionID string, finishedAt time.Time) (*store.Run, *store.Artifact) {
	t.Helper()
	run := &store.Run{
		RunID:          uuid.NewString(),
		RobotID:        robotID,
		RobotVersionID: versionID,
		EnvName:        "PROD",
		TriggerType:    store.TriggerManual,
		Attempt:        1,
		Status:         store.RunPending,
		QueuedAt:       finishedAt.Add(-time.Minute),
	}
	if err := te.st.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if ok, err := te.st.TryClaim(run.RunID, "w1", 0); err != nil || !ok {
		t.Fatalf("TryClaim = %v (%v)", ok, err)
	}
	if err := te.st.MarkStarted(run.RunID, "host-1", 1234, finishedAt.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if _, _, err := te.st.FinishRun(run.RunID, store.RunSuccess, "", "", finishedAt); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if _, err := te.st.AppendRunLog(run.RunID, store.LevelInfo, "done", finishedAt); err != nil {
		t.Fatalf("AppendRunLog failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "report.csv")
	if err := os.WriteFile(src, []byte("a,b\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	rel, size, err := te.blobs.SaveRunOutput(run.RunID, "report.csv", src)
	if err != nil {
		t.Fatalf("SaveRunOutput failed: %v", err)
	}
	artifact := &store.Artifact{Name: "report.csv", Path: rel, SizeBytes: size}
	if err := te.st.AddArtifacts(run.RunID, []*store.Artifact{artifact}, finishedAt); err != nil {
		t.Fatalf("AddArtifacts failed: %v", err)
	}
	return run, artifact
}

func (te *testEnv) seedRobot(t *testing.T) (string, string) {
	t.Helper()
	robot, err := te.st.CreateRobot("retention-bot", "", nil, te.clk.Now())
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
		CreatedAt:      te.clk.Now(),
	}
	if err := te.st.CreateVersion(version); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	return robot.ID, version.ID
}

func TestSweepEnforcesRetention(t *testing.T) {
	te := newTestEnv(t, nil)
	robotID, versionID := te.seedRobot(t)

	old, oldArtifact := te.finishedRun(t, robotID, versionID, te.clk.Now().AddDate(0, 0, -30))
	fresh, freshArtifact := te.finishedRun(t, robotID, versionID, te.clk.Now().Add(-time.Hour))

	te.cleaner.Sweep()

	if _, err := te.st.GetRun(old.RunID); err != store.ErrNotFound {
		t.Fatalf("old run still present (%v)", err)
	}
	if _, err := te.st.GetArtifact(oldArtifact.ID); err != store.ErrNotFound {
		t.Fatalf("old artifact row still present (%v)", err)
	}
	abs, err := te.blobs.Resolve(oldArtifact.Path)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := os.Stat(abs); !os.IsNotExist(err) {
		t.Fatalf("old artifact file still on disk (%v)", err)
	}

	if _, err := te.st.GetRun(fresh.RunID); err != nil {
		t.Fatalf("fresh run swept: %v", err)
	}
	if _, err := te.st.GetArtifact(freshArtifact.ID); err != nil {
		t.Fatalf("fresh artifact swept: %v", err)
	}
	lines, err := te.st.ListRunLogsSince(fresh.RunID, 0, 0)
	if err != nil || len(lines) != 1 {
		t.Fatalf("fresh run logs = %d (%v), want 1", len(lines), err)
	}
}

func TestSweepSkipsNonTerminalRuns(t *testing.T) {
	te := newTestEnv(t, nil)
	robotID, versionID := te.seedRobot(t)

	// A PENDING run queued long ago is never retention's business.
	run := &store.Run{
		RunID:          uuid.NewString(),
		RobotID:        robotID,
		RobotVersionID: versionID,
		EnvName:        "PROD",
		TriggerType:    store.TriggerManual,
		Attempt:        1,
		Status:         store.RunPending,
		QueuedAt:       te.clk.Now().AddDate(0, 0, -60),
	}
	if err := te.st.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	te.cleaner.Sweep()

	got, err := te.st.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("pending run swept: %v", err)
	}
	if got.Status != store.RunPending {
		t.Fatalf("status = %s, want PENDING untouched", got.Status)
	}
}

func TestSweepDisabledByZeroDays(t *testing.T) {
	te := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retention.LogDays = 0
		cfg.Retention.ArtifactDays = 0
		cfg.Retention.RunDays = 0
	})
	robotID, versionID := te.seedRobot(t)
	old, oldArtifact := te.finishedRun(t, robotID, versionID, te.clk.Now().AddDate(0, 0, -365))

	te.cleaner.Sweep()

	if _, err := te.st.GetRun(old.RunID); err != nil {
		t.Fatalf("run deleted with retention disabled: %v", err)
	}
	if _, err := te.st.GetArtifact(oldArtifact.ID); err != nil {
		t.Fatalf("artifact deleted with retention disabled: %v", err)
	}
	lines, err := te.st.ListRunLogsSince(old.RunID, 0, 0)
	if err != nil || len(lines) != 1 {
		t.Fatalf("logs = %d (%v), want kept", len(lines), err)
	}
}
