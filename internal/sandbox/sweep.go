package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sandboxPrefix = "luluchat_plots_"

// Sweeper reclaims stale sandbox directories left behind by Run. Removal is
// best-effort: a sandbox that cannot be removed is logged and retried on the
// next pass.
type Sweeper struct {
	Root     string        // directory containing sandboxes; defaults to os.TempDir()
	TTL      time.Duration // minimum age before removal, defaults to 1h
	Interval time.Duration // poll interval, defaults to 10m
	Logger   *slog.Logger
}

func (s *Sweeper) root() string {
	if s.Root != "" {
		return s.Root
	}
	return os.TempDir()
}

func (s *Sweeper) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return time.Hour
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 10 * time.Minute
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if n := s.SweepOnce(); n > 0 {
			s.logger().Debug("reclaimed stale sandboxes", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval()):
		}
	}
}

// SweepOnce removes sandbox directories older than the TTL and returns the
// number removed.
func (s *Sweeper) SweepOnce() int {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		s.logger().Warn("sweeping sandbox root failed", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-s.ttl())
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sandboxPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.root(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger().Warn("removing stale sandbox failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
