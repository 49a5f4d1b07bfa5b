// Package maintenance runs the periodic housekeeping of the orchestrator:
// artifact retention, stale account leases and expired login sessions.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/socialpilot/horosafe"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// batchSize bounds the artifacts deleted per query.
const batchSize = 200

// SessionExpirer expires stale login sessions. *loginsession.Broker
// satisfies it.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Config configures the maintenance loop.
type Config struct {
	Store    *store.Store
	Sessions SessionExpirer
	// ArtifactsDir holds the artifact files. Empty skips file removal.
	ArtifactsDir string
	// Interval between passes. Default: 24h.
	Interval time.Duration
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Report counts what one pass removed.
type Report struct {
	Artifacts int   `json:"artifacts"`
	Leases    int64 `json:"leases"`
	Sessions  int   `json:"sessions"`
}

// Maintainer runs housekeeping passes.
type Maintainer struct {
	cfg    Config
	st     *store.Store
	logger *slog.Logger
}

// New returns a Maintainer.
func New(cfg Config) *Maintainer {
	cfg.defaults()
	return &Maintainer{cfg: cfg, st: cfg.Store, logger: cfg.Logger}
}

// Run executes a pass every Interval until ctx is done. The first pass runs
// immediately.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("maintenance: pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one pass.
func (m *Maintainer) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	n, err := m.CleanupArtifacts(ctx)
	rep.Artifacts = n
	if err != nil {
		return rep, err
	}
	if rep.Leases, err = m.st.SweepExpiredLeases(ctx); err != nil {
		return rep, fmt.Errorf("maintenance: sweep leases: %w", err)
	}
	if m.cfg.Sessions != nil {
		if rep.Sessions, err = m.cfg.Sessions.ExpireStale(ctx); err != nil {
			return rep, fmt.Errorf("maintenance: expire sessions: %w", err)
		}
	}
	m.logger.Info("maintenance: pass done", "artifacts", rep.Artifacts, "leases", rep.Leases, "sessions", rep.Sessions)
	return rep, nil
}

// CleanupArtifacts deletes, for every workspace with a retention period,
// the artifacts older than it: the file first, then the row.
func (m *Maintainer) CleanupArtifacts(ctx context.Context) (int, error) {
	subs, err := m.st.ListSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("maintenance: list subscriptions: %w", err)
	}
	now := m.st.Now()
	total := 0
	for _, sub := range subs {
		if sub.ArtifactRetentionDays == nil || *sub.ArtifactRetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -*sub.ArtifactRetentionDays)
		for {
			batch, err := m.st.ExpiredArtifacts(ctx, sub.WorkspaceID, cutoff, batchSize)
			if err != nil {
				return total, fmt.Errorf("maintenance: expired artifacts: %w", err)
			}
			for _, a := range batch {
				m.removeFile(a)
				if err := m.st.DeleteArtifact(ctx, a.ID); err != nil {
					return total, fmt.Errorf("maintenance: delete artifact %s: %w", a.ID, err)
				}
				total++
			}
			if len(batch) < batchSize {
				break
			}
		}
	}
	return total, nil
}

func (m *Maintainer) removeFile(a *store.Artifact) {
	if m.cfg.ArtifactsDir == "" {
		return
	}
	path, err := horosafe.SafePath(m.cfg.ArtifactsDir, a.StorageKey)
	if err != nil {
		m.logger.Warn("maintenance: unsafe artifact key", "artifact_id", a.ID, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("maintenance: remove artifact file", "artifact_id", a.ID, "error", err)
	}
}
