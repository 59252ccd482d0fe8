package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
)

// Sweeper removes day directories older than the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper returns a Sweeper for store. A retention of zero keeps everything.
func NewSweeper(store *Store, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, retention: retention, logger: logger}
}

// Start schedules Sweep on the given cron spec until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	if s.retention <= 0 {
		s.logger.Info("output retention disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(); err != nil {
			s.logger.Error("output sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("output retention scheduled",
		slog.String("schedule", spec),
		slog.Duration("retention", s.retention),
	)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Sweep deletes expired day directories and returns how many were removed.
// Entries whose name is not a date are left alone.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.store.root)
	if err != nil {
		return 0, fmt.Errorf("read output dir: %w", err)
	}

	cutoff := s.store.now().UTC().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse(dirLayout, e.Name())
		if err != nil {
			continue
		}
		// A day directory expires once its whole day is past the cutoff.
		if !day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.store.root, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
		telemetry.RetentionRemovedTotal.Inc()
		s.logger.Info("removed expired outputs", slog.String("dir", e.Name()))
	}
	return removed, nil
}
