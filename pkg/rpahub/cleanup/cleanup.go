// Package cleanup enforces retention: old run logs, expired artifact
// files and terminal runs past their retention window are deleted on a
// fixed interval.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/artifacts"
	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Cleaner is the retention loop.
type Cleaner struct {
	st     *store.Store
	blobs  *artifacts.Store
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger
}

// New assembles a cleaner.
func New(st *store.Store, blobs *artifacts.Store, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Cleaner {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		st:     st,
		blobs:  blobs,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("component", "cleanup"),
	}
}

// Run sweeps once immediately, then on every interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.Info("cleanup started", "interval", c.cfg.Retention.Interval.String())
	c.Sweep()
	ticker := time.NewTicker(c.cfg.Retention.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep applies every retention rule once. Artifact files are unlinked
// before their rows so a crash leaves rows pointing at missing files,
// which the next sweep retries, never orphaned files.
func (c *Cleaner) Sweep() {
	now := c.clk.Now()

	if days := c.cfg.Retention.LogDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := c.st.DeleteRunLogsBefore(cutoff); err != nil {
			c.logger.Error("delete old run logs failed", "error", err)
		} else if n > 0 {
			c.logger.Info("deleted old run logs", "count", n)
		}
	}

	if days := c.cfg.Retention.ArtifactDays; days > 0 {
		c.sweepArtifacts(now.AddDate(0, 0, -days))
	}

	if days := c.cfg.Retention.RunDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := c.st.DeleteTerminalRunsBefore(cutoff); err != nil {
			c.logger.Error("delete old runs failed", "error", err)
		} else if n > 0 {
			c.logger.Info("deleted old runs", "count", n)
		}
	}
}

func (c *Cleaner) sweepArtifacts(cutoff time.Time) {
	expired, err := c.st.ExpiredArtifacts(cutoff)
	if err != nil {
		c.logger.Error("list expired artifacts failed", "error", err)
		return
	}
	removed := 0
	for _, a := range expired {
		if err := c.blobs.Remove(a.Path); err != nil {
			c.logger.Error("remove artifact file failed", "artifact_id", a.ID, "error", err)
			continue
		}
		if err := c.st.DeleteArtifact(a.ID); err != nil {
			c.logger.Error("delete artifact row failed", "artifact_id", a.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("deleted expired artifacts", "count", removed)
	}
}
