package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// session tracks one running child so kill orders can reach it.
type session struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func newSession() *session {
	return &session{stop: make(chan struct{})}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// execute runs one claimed run to its terminal state. Every exit path
// reports a finish; the engine ignores a report that lost the race with
// the watchdog.
func (a *Agent) execute(ctx context.Context, run *store.Run) {
	logger := a.logger.With("run_id", run.RunID, "robot_id", run.RobotID)
	logger.Info("executing run", "attempt", run.Attempt, "trigger", run.TriggerType)

	sess := newSession()
	a.track(run.RunID, sess)
	defer a.untrack(run.RunID)

	version, err := a.st.GetVersion(run.RobotVersionID)
	if err != nil {
		a.fail(run.RunID, fmt.Sprintf("load version: %v", err))
		return
	}

	spec, err := a.materialize(run, version)
	if err != nil {
		a.fail(run.RunID, err.Error())
		return
	}
	defer os.RemoveAll(filepath.Join(filepath.Dir(spec.outputDir), "work"))

	status, message := a.spawn(ctx, run, spec, sess, logger)

	a.registerOutputs(run.RunID, spec.outputDir, logger)

	if _, err := a.eng.ReportFinish(context.Background(), run.RunID, status, message); err != nil {
		logger.Error("report finish failed", "error", err)
	}
	logger.Info("run finished", "status", status)
}

func (a *Agent) fail(runID, message string) {
	if _, err := a.eng.ReportFinish(context.Background(), runID, store.RunFailed, message); err != nil {
		a.logger.Error("report finish failed", "run_id", runID, "error", err)
	}
}

// spawn starts the child and supervises it until exit, enforcing the
// run timeout and cooperative cancellation.
func (a *Agent) spawn(ctx context.Context, run *store.Run, spec *launchSpec, sess *session, logger *slog.Logger) (store.RunStatus, string) {
	timeout := time.Duration(run.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = a.cfg.Runs.DefaultManualTimeout
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.command[0], spec.command[1:]...)
	cmd.Dir = spec.workDir
	cmd.Env = spec.env
	// Own process group so the whole tree dies together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return store.RunFailed, fmt.Sprintf("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return store.RunFailed, fmt.Sprintf("stderr pipe: %v", err)
	}

	logFile, err := os.Create(a.blobs.RunLogPath(run.RunID))
	if err != nil {
		return store.RunFailed, fmt.Sprintf("create run log: %v", err)
	}
	defer logFile.Close()
	var logMu sync.Mutex

	if err := cmd.Start(); err != nil {
		return store.RunFailed, fmt.Sprintf("start process: %v", err)
	}
	if err := a.eng.ReportStart(context.Background(), run.RunID, a.hostname, cmd.Process.Pid); err != nil {
		logger.Error("report start failed", "error", err)
	}

	var streams sync.WaitGroup
	stream := func(r io.Reader, level store.LogLevel) {
		defer streams.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			logMu.Lock()
			fmt.Fprintln(logFile, line)
			logMu.Unlock()
			if _, err := a.eng.AppendLog(context.Background(), run.RunID, level, line); err != nil {
				logger.Warn("append run log failed", "error", err)
			}
		}
	}
	streams.Add(2)
	go stream(stdout, store.LevelInfo)
	go stream(stderr, store.LevelError)

	var canceled atomic.Bool
	watchDone := make(chan struct{})
	go a.watchCancel(runCtx, run.RunID, cmd, sess, &canceled, watchDone)

	streams.Wait()
	waitErr := cmd.Wait()
	cancel()
	<-watchDone

	switch {
	case canceled.Load():
		return store.RunCanceled, ""
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return store.RunFailed, "TIMEOUT"
	case waitErr == nil:
		return store.RunSuccess, ""
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return store.RunFailed, fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return store.RunFailed, waitErr.Error()
	}
}

// watchCancel polls the cooperative cancel flag and listens for kill
// orders. On either signal the child's process group gets SIGTERM, then
// SIGKILL after the grace period.
func (a *Agent) watchCancel(runCtx context.Context, runID string, cmd *exec.Cmd, sess *session, canceled *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.Worker.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-sess.stop:
		case <-ticker.C:
			flag, err := a.st.CancelRequested(runID)
			if err != nil {
				a.logger.Error("cancel poll failed", "run_id", runID, "error", err)
				continue
			}
			if !flag {
				continue
			}
		}

		canceled.Store(true)
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-runCtx.Done():
		case <-time.After(a.cfg.Runs.CancelGrace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
		return
	}
}

// registerOutputs records every file the child left in its output dir.
func (a *Agent) registerOutputs(runID, outputDir string, logger *slog.Logger) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("scan outputs failed", "error", err)
		}
		return
	}

	var items []*store.Artifact
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(a.blobs.Root(), filepath.Join(outputDir, entry.Name()))
		if err != nil {
			continue
		}
		items = append(items, &store.Artifact{
			RunID:       runID,
			Name:        entry.Name(),
			Path:        rel,
			SizeBytes:   info.Size(),
			ContentType: mime.TypeByExtension(filepath.Ext(entry.Name())),
		})
	}
	if len(items) == 0 {
		return
	}
	if err := a.st.AddArtifacts(runID, items, a.clk.Now()); err != nil {
		logger.Error("register artifacts failed", "error", err)
		return
	}
	if _, err := a.eng.AppendLog(context.Background(), runID, store.LevelInfo,
		fmt.Sprintf("Registered %d artifact(s)", len(items))); err != nil {
		logger.Error("append run log failed", "error", err)
	}
}
