package coordinator

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// A RunLog is the append-only execution log the progress monitor consumes.
// One line per event:
//
//	2026-08-26T10:15:04Z [INFO] [L0] [p14-disagg-20k] pattern start topology=disaggregated
//
// The pattern field is authoritative for attribution; two roles of the same
// pattern can interleave lines and still attribute correctly.
type RunLog struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewRunLog(w io.Writer) *RunLog {
	return &RunLog{w: w, now: time.Now}
}

func (l *RunLog) Event(level, layerID, patternID, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s [%s] [%s] [%s] %s\n",
		l.now().UTC().Format(time.RFC3339), level, layerID, patternID,
		fmt.Sprintf(format, args...))
}

func (l *RunLog) LayerStart(layerID string, patterns int) {
	l.Event("INFO", layerID, "-", "layer start patterns=%d", patterns)
}

func (l *RunLog) LayerEnd(layerID string, succeeded, failed int) {
	l.Event("INFO", layerID, "-", "layer end succeeded=%d failed=%d", succeeded, failed)
}

func (l *RunLog) PatternStart(layerID, patternID string, topology string) {
	l.Event("INFO", layerID, patternID, "pattern start topology=%s", topology)
}

func (l *RunLog) PatternSuccess(layerID, patternID string) {
	l.Event("INFO", layerID, patternID, "pattern success")
}

func (l *RunLog) PatternFailed(layerID, patternID string, err error) {
	l.Event("WARN", layerID, patternID, "pattern failed: %s", err.Error())
}

func (l *RunLog) RoleError(layerID, patternID, role, detail string) {
	l.Event("ERROR", layerID, patternID, "%s: %s", role, detail)
}
