package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Watch re-reads the run log at the given path every interval and renders a
// progress bar over the plan's patterns, printing newly raised alerts as
// they appear. It returns when the run finishes, the context is canceled,
// or the log becomes unreadable.
func (m *Monitor) Watch(ctx context.Context, path string, interval time.Duration) error {
	bar := progressbar.Default(int64(m.plan.PatternCount()), "patterns")
	seen := map[string]bool{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := m.snapshotFile(path)
		if err != nil {
			return err
		}
		_ = bar.Set(snap.Finished)
		if snap.CurrentPattern != "" {
			bar.Describe(snap.CurrentPattern)
		}
		for _, a := range snap.Alerts {
			if seen[a.Message] {
				continue
			}
			seen[a.Message] = true
			slog.Warn("alert", slog.String("kind", a.Kind), slog.String("message", a.Message))
		}
		if snap.Finished >= snap.Total && snap.Total > 0 {
			fmt.Println()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) snapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()
	return m.Snapshot(f)
}
