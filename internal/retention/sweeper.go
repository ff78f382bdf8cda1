// Package retention deletes expired files and folders from the input and
// output roots. It only looks at modification times and never consults job
// records, so a sweep can remove the artifacts of a job that is still on
// record.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szytwo/facefusion/internal/observability"
)

// Days converts a day count into a max age.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Result lists what a sweep removed.
type Result struct {
	Dir     string
	Removed []string
	Failed  int
}

// Sweeper removes entries older than a max age from a set of roots.
type Sweeper struct {
	roots   []string
	maxAge  time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// New returns a Sweeper for roots. SweepAll uses maxAge; Sweep takes its own.
func New(roots []string, maxAge time.Duration, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{roots: roots, maxAge: maxAge, now: time.Now, metrics: metrics}
}

// Sweep deletes the immediate entries of dir, files or whole folders, whose
// modification time is older than maxAge. A missing dir is not an error.
// Entries that cannot be removed are reported together and do not stop the
// sweep.
func (s *Sweeper) Sweep(ctx context.Context, dir string, maxAge time.Duration) (Result, error) {
	result := Result{Dir: dir}
	if maxAge < 0 {
		return result, fmt.Errorf("max age must not be negative, got %s", maxAge)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	cutoff := s.now().Add(-maxAge)
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			result.Failed++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			result.Failed++
			continue
		}
		result.Removed = append(result.Removed, path)
	}
	return result, errors.Join(errs...)
}

// SweepAll sweeps every root concurrently with the configured max age. A
// failing root does not cut the others short; their errors are joined.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(s.roots))
	for i, root := range s.roots {
		g.Go(func() error {
			start := time.Now()
			result, err := s.Sweep(ctx, root, s.maxAge)
			s.metrics.RecordSweep(ctx, filepath.Base(root), len(result.Removed), result.Failed, time.Since(start).Seconds())
			if len(result.Removed) > 0 {
				slog.Info("Swept expired entries", "component", "retention", "dir", root, "removed", len(result.Removed))
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
