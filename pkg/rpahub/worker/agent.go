// Package worker is the agent that executes robot runs. It claims runs
// from the dispatch queue, materializes the pinned version artifact into
// a scratch directory, spawns the child process in its own process
// group and streams its output back as run logs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpahub/rpahub/pkg/rpahub/artifacts"
	"github.com/rpahub/rpahub/pkg/rpahub/cipher"
	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Version is stamped at build time and reported with heartbeats.
var Version = "dev"

const claimWait = 5 * time.Second

// Agent is one worker process. Its id is stable across restarts so run
// ownership survives a crash-and-restart without registering a ghost.
type Agent struct {
	id       string
	hostname string

	eng    *engine.Engine
	st     *store.Store
	q      *queue.Queue
	blobs  *artifacts.Store
	ciph   *cipher.Cipher
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*session
	wg      sync.WaitGroup
}

// New assembles a worker agent.
func New(id string, eng *engine.Engine, st *store.Store, q *queue.Queue, blobs *artifacts.Store, ciph *cipher.Cipher, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Agent {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Agent{
		id:       id,
		hostname: hostname,
		eng:      eng,
		st:       st,
		q:        q,
		blobs:    blobs,
		ciph:     ciph,
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("component", "worker", "worker_id", id),
		running:  make(map[string]*session),
	}
}

// LoadWorkerID reads the persisted worker id, minting and saving one on
// first start.
func LoadWorkerID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read worker id file: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worker id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write worker id file: %w", err)
	}
	return id, nil
}

// Run operates the agent until ctx is canceled, then drains in-flight
// runs up to the configured drain timeout before reporting STOPPED.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.st.UpsertWorkerHeartbeat(a.id, a.hostname, Version, a.clk.Now()); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	a.logger.Info("worker started", "hostname", a.hostname, "version", Version)

	kills, err := a.q.SubscribeControl(ctx, a.id)
	if err != nil {
		return fmt.Errorf("subscribe control channel: %w", err)
	}

	go a.heartbeatLoop(ctx)
	go a.killLoop(ctx, kills)

	for {
		select {
		case <-ctx.Done():
			return a.drain()
		default:
		}

		if paused, err := a.paused(); err != nil {
			a.logger.Error("read worker status failed", "error", err)
			sleepCtx(ctx, claimWait)
			continue
		} else if paused {
			sleepCtx(ctx, claimWait)
			continue
		}

		run, err := a.eng.ClaimNext(ctx, a.id, claimWait)
		if err != nil {
			if ctx.Err() != nil {
				return a.drain()
			}
			a.logger.Error("claim failed", "error", err)
			sleepCtx(ctx, claimWait)
			continue
		}
		if run == nil {
			continue
		}

		a.wg.Add(1)
		go func(run *store.Run) {
			defer a.wg.Done()
			a.execute(ctx, run)
		}(run)
	}
}

func (a *Agent) paused() (bool, error) {
	w, err := a.st.GetWorker(a.id)
	if err != nil {
		return false, err
	}
	return w.Status == store.WorkerPaused, nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.st.UpsertWorkerHeartbeat(a.id, a.hostname, Version, a.clk.Now()); err != nil {
				a.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) killLoop(ctx context.Context, kills <-chan queue.KillOrder) {
	for {
		select {
		case <-ctx.Done():
			return
		case order, ok := <-kills:
			if !ok {
				return
			}
			a.mu.Lock()
			sess := a.running[order.RunID]
			a.mu.Unlock()
			if sess == nil {
				a.logger.Warn("kill order for unowned run", "run_id", order.RunID)
				continue
			}
			a.logger.Info("kill order received", "run_id", order.RunID)
			sess.requestStop()
		}
	}
}

// drain waits for in-flight runs, then flips the worker to STOPPED so
// the monitor does not raise WORKER_DOWN for a clean shutdown.
func (a *Agent) drain() error {
	a.logger.Info("draining in-flight runs", "timeout", a.cfg.Worker.DrainTimeout.String())
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.Worker.DrainTimeout):
		a.logger.Warn("drain timeout reached, abandoning in-flight runs")
		a.mu.Lock()
		for _, sess := range a.running {
			sess.requestStop()
		}
		a.mu.Unlock()
	}
	if err := a.st.SetWorkerStatus(a.id, store.WorkerStopped); err != nil {
		return fmt.Errorf("mark worker stopped: %w", err)
	}
	a.logger.Info("worker stopped")
	return nil
}

func (a *Agent) track(runID string, sess *session) {
	a.mu.Lock()
	a.running[runID] = sess
	a.mu.Unlock()
}

func (a *Agent) untrack(runID string) {
	a.mu.Lock()
	delete(a.running, runID)
	a.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
