package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disaggbench/plan"
)

const monitorPlanJSON = `{
  "phase": "phase14",
  "name": "disagg sweep",
  "infrastructure": {"instance_type": "p4d.24xlarge", "node_count": 2, "model": "Qwen-32B", "tp_size": 4},
  "common_settings": {"backend": "vllm"},
  "layers": [
    {"id": "L0", "name": "baseline", "priority": "P0", "patterns": [
      {"id": "p1", "topology": "unified"},
      {"id": "p2", "topology": "disaggregated"},
      {"id": "p3", "topology": "unified"}
    ]},
    {"id": "L1", "name": "sweep", "priority": "P1", "patterns": [
      {"id": "p4", "topology": "dual-node"},
      {"id": "p5", "topology": "unified"}
    ]}
  ]
}`

func monitorPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.Parse([]byte(monitorPlanJSON))
	require.NoError(t, err)
	return p
}

func fixedMonitor(t *testing.T, at time.Time) *Monitor {
	t.Helper()
	m := New(monitorPlan(t))
	m.now = func() time.Time { return at }
	return m
}

func TestSnapshotCountsPerLayer(t *testing.T) {
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [-] layer start patterns=3",
		"2026-08-26T10:00:01Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:05:00Z [INFO] [L0] [p1] pattern success",
		"2026-08-26T10:05:01Z [INFO] [L0] [p2] pattern start topology=disaggregated",
		"2026-08-26T10:09:00Z [WARN] [L0] [p2] pattern failed: consumer: timed out waiting for terminal state",
		"2026-08-26T10:09:01Z [INFO] [L0] [p3] pattern start topology=unified",
	}, "\n")

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 10, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	l0 := snap.Layers["L0"]
	assert.Equal(t, 1, l0.Success)
	assert.Equal(t, 1, l0.Failed)
	assert.Equal(t, 1, l0.Running)
	assert.Equal(t, 0, l0.Remaining)

	l1 := snap.Layers["L1"]
	assert.Equal(t, 0, l1.Success+l1.Failed+l1.Running)
	assert.Equal(t, 2, l1.Remaining)

	assert.Equal(t, "p3", snap.CurrentPattern)
	assert.Equal(t, "L0", snap.CurrentLayer)
	assert.Equal(t, 2, snap.Finished)
	assert.Equal(t, 5, snap.Total)
}

func TestSnapshotClassifiesErrors(t *testing.T) {
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:01:00Z [ERROR] [L0] [p1] producer: torch.cuda.OutOfMemoryError: CUDA out of memory",
		"2026-08-26T10:01:01Z [WARN] [L0] [p1] pattern failed: producer: exit status 1",
	}, "\n")

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 2, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	require.Len(t, snap.RecentErrors, 2)
	assert.Equal(t, ErrOutOfMemory, snap.RecentErrors[0].Kind)
	assert.Equal(t, "p1", snap.RecentErrors[0].Pattern)
	assert.Equal(t, ErrCommandFailure, snap.RecentErrors[1].Kind)
}

func TestSnapshotReattributesMentionedPattern(t *testing.T) {
	// A process from an earlier pattern can keep logging after its pattern
	// finished; a line naming the old pattern must not blame the new one.
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:05:00Z [INFO] [L0] [p1] pattern success",
		"2026-08-26T10:05:01Z [INFO] [L0] [p2] pattern start topology=disaggregated",
		"vllm worker p1: Traceback (most recent call last):",
	}, "\n")

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 6, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	require.Len(t, snap.RecentErrors, 1)
	assert.Equal(t, ErrFatal, snap.RecentErrors[0].Kind)
	assert.Equal(t, "p1", snap.RecentErrors[0].Pattern)
	assert.Equal(t, "L0", snap.RecentErrors[0].LayerID)
}

func TestSnapshotRetriedPatternCountsOnce(t *testing.T) {
	// Re-running a failed pattern id appends a second start/terminal pair to
	// the same log; the retry supersedes the earlier failure.
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:01:00Z [WARN] [L0] [p1] pattern failed: unified: exit status 1",
		"2026-08-26T10:02:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:03:00Z [INFO] [L0] [p1] pattern success",
	}, "\n")

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 4, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	l0 := snap.Layers["L0"]
	assert.Equal(t, 1, l0.Success)
	assert.Equal(t, 0, l0.Failed)
	assert.Equal(t, 0, l0.Running)
	assert.Equal(t, 2, l0.Remaining)
	assert.Equal(t, 1, snap.Finished)
}

func TestSnapshotRetriedPatternLastFailureWins(t *testing.T) {
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:01:00Z [INFO] [L0] [p1] pattern success",
		"2026-08-26T10:02:00Z [INFO] [L0] [p1] pattern start topology=unified",
		"2026-08-26T10:03:00Z [WARN] [L0] [p1] pattern failed: unified: exit status 1",
	}, "\n")

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 4, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	l0 := snap.Layers["L0"]
	assert.Equal(t, 0, l0.Success)
	assert.Equal(t, 1, l0.Failed)
	assert.Equal(t, 1, snap.Finished)
}

func TestSnapshotPrefixCollidingPatternIDs(t *testing.T) {
	prefixPlan, err := plan.Parse([]byte(`{
	  "phase": "phase14",
	  "name": "prefix ids",
	  "infrastructure": {"instance_type": "p4d.24xlarge", "node_count": 2, "model": "Qwen-32B", "tp_size": 4},
	  "common_settings": {"backend": "vllm"},
	  "layers": [
	    {"id": "L0", "name": "baseline", "priority": "P0", "patterns": [
	      {"id": "p1", "topology": "unified"},
	      {"id": "p14-disagg-20k", "topology": "disaggregated"}
	    ]}
	  ]
	}`))
	require.NoError(t, err)
	m := New(prefixPlan)
	m.now = func() time.Time { return time.Date(2026, 8, 26, 10, 6, 0, 0, time.UTC) }

	// The line names the long id; the short id being a substring of it must
	// not win the attribution.
	log := strings.Join([]string{
		"2026-08-26T10:00:00Z [INFO] [L0] [p14-disagg-20k] pattern start topology=disaggregated",
		"vllm worker p14-disagg-20k: Traceback (most recent call last):",
		"rank p1 panic: send on closed channel",
	}, "\n")

	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)

	require.Len(t, snap.RecentErrors, 2)
	assert.Equal(t, "p14-disagg-20k", snap.RecentErrors[0].Pattern)
	// A mention that is just a prefix of the running pattern's id stays with
	// the running pattern.
	assert.Equal(t, "p14-disagg-20k", snap.RecentErrors[1].Pattern)
}

func TestSnapshotDeduplicatesAndBoundsErrors(t *testing.T) {
	var b strings.Builder
	b.WriteString("2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified\n")
	for i := 0; i < 3; i++ {
		b.WriteString("2026-08-26T10:01:00Z [ERROR] [L0] [p1] producer: CUDA out of memory\n")
	}

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 2, 0, 0, time.UTC))
	m.ErrorWindow = 2
	snap, err := m.Snapshot(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, snap.RecentErrors, 1)

	b.WriteString("2026-08-26T10:01:01Z [ERROR] [L0] [p1] producer: timed out\n")
	b.WriteString("2026-08-26T10:01:02Z [ERROR] [L0] [p1] producer: panic: send on closed channel\n")
	snap, err = m.Snapshot(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Len(t, snap.RecentErrors, 2)
	assert.Equal(t, ErrTimeout, snap.RecentErrors[0].Kind)
	assert.Equal(t, ErrFatal, snap.RecentErrors[1].Kind)
}

func TestAlertLayerFailures(t *testing.T) {
	var b strings.Builder
	for _, id := range []string{"p1", "p2", "p3"} {
		b.WriteString("2026-08-26T10:00:00Z [INFO] [L0] [" + id + "] pattern start topology=unified\n")
		b.WriteString("2026-08-26T10:00:01Z [WARN] [L0] [" + id + "] pattern failed: " + id + ": exit status 1\n")
	}

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 1, 0, 0, time.UTC))
	m.LayerFailureThreshold = 2
	snap, err := m.Snapshot(strings.NewReader(b.String()))
	require.NoError(t, err)

	var kinds []string
	for _, a := range snap.Alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, AlertLayerFailures)
}

func TestAlertFailureRate(t *testing.T) {
	var b strings.Builder
	for i, id := range []string{"p1", "p2", "p3", "p4"} {
		b.WriteString("2026-08-26T10:00:00Z [INFO] [L0] [" + id + "] pattern start topology=unified\n")
		if i < 3 {
			b.WriteString("2026-08-26T10:00:01Z [WARN] [L0] [" + id + "] pattern failed: " + id + ": exit status 1\n")
		} else {
			b.WriteString("2026-08-26T10:00:01Z [INFO] [L0] [" + id + "] pattern success\n")
		}
	}

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 1, 0, 0, time.UTC))
	m.LayerFailureThreshold = 10
	snap, err := m.Snapshot(strings.NewReader(b.String()))
	require.NoError(t, err)

	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, AlertFailureRate, snap.Alerts[0].Kind)
	assert.Contains(t, snap.Alerts[0].Message, "75%")
}

func TestAlertStaleLog(t *testing.T) {
	log := "2026-08-26T10:00:00Z [INFO] [L0] [p1] pattern start topology=unified\n"

	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, AlertStaleLog, snap.Alerts[0].Kind)

	// A fresh log raises nothing.
	m = fixedMonitor(t, time.Date(2026, 8, 26, 10, 5, 0, 0, time.UTC))
	snap, err = m.Snapshot(strings.NewReader(log))
	require.NoError(t, err)
	assert.Empty(t, snap.Alerts)
}

func TestSnapshotEmptyLog(t *testing.T) {
	m := fixedMonitor(t, time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	snap, err := m.Snapshot(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Finished)
	assert.Equal(t, 3, snap.Layers["L0"].Remaining)
	assert.Empty(t, snap.Alerts)
}

func TestDefaultClassifierPrecedence(t *testing.T) {
	kind, ok := DefaultClassifier("command failed: CUDA out of memory")
	require.True(t, ok)
	assert.Equal(t, ErrOutOfMemory, kind)

	_, ok = DefaultClassifier("throughput 1234.5 tok/s")
	assert.False(t, ok)
}
