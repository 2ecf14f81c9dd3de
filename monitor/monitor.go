package monitor

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"disaggbench/plan"
)

// Run log lines look like:
//
//	2026-08-26T10:15:04Z [INFO] [L0] [p14-disagg-20k] pattern start topology=disaggregated
//
// Lines written by remote processes (vLLM, NCCL) interleave with these and
// carry no bracketed fields; they are attributed to whichever pattern was
// last started, unless they mention another pattern id by name.
var lineRe = regexp.MustCompile(`^(\S+) \[(\w+)\] \[([^\]]+)\] \[([^\]]+)\] (.*)$`)

var layerEndRe = regexp.MustCompile(`^layer end succeeded=(\d+) failed=(\d+)$`)

type LayerCounts struct {
	Success   int
	Failed    int
	Running   int
	Remaining int
}

type ClassifiedError struct {
	Kind    ErrorKind
	LayerID string
	Pattern string
	Text    string
	Time    time.Time
}

type Alert struct {
	Kind    string
	Message string
}

const (
	AlertLayerFailures = "layer-failures"
	AlertFailureRate   = "failure-rate"
	AlertStaleLog      = "stale-log"
)

type Snapshot struct {
	Layers         map[string]*LayerCounts
	CurrentLayer   string
	CurrentPattern string
	RecentErrors   []ClassifiedError
	Alerts         []Alert
	LastEvent      time.Time
	Finished       int
	Total          int
}

type patternState int

const (
	stateNotStarted patternState = iota
	stateRunning
	stateSuccess
	stateFailed
)

type Monitor struct {
	plan     *plan.Plan
	classify Classifier
	now      func() time.Time

	// ErrorWindow bounds how many distinct recent errors a snapshot keeps.
	ErrorWindow int

	// LayerFailureThreshold raises an alert when any single layer
	// accumulates more than this many failed patterns.
	LayerFailureThreshold int

	// FailureRateThreshold raises an alert when the overall failure rate
	// exceeds it, once at least MinFinishedForRate patterns have finished.
	FailureRateThreshold float64
	MinFinishedForRate   int

	// StaleAfter raises an alert when the run is unfinished and the log
	// has not advanced for this long.
	StaleAfter time.Duration
}

func New(p *plan.Plan) *Monitor {
	return &Monitor{
		plan:                  p,
		classify:              DefaultClassifier,
		now:                   time.Now,
		ErrorWindow:           10,
		LayerFailureThreshold: 3,
		FailureRateThreshold:  0.5,
		MinFinishedForRate:    4,
		StaleAfter:            10 * time.Minute,
	}
}

// WithClassifier replaces the default classification rules.
func (m *Monitor) WithClassifier(c Classifier) *Monitor {
	m.classify = c
	return m
}

// Snapshot scans a run log from the beginning and reduces it to per-layer
// progress, the currently executing pattern, classified recent errors, and
// any alerts. The log may still be growing; a later snapshot over the longer
// log supersedes this one. A pattern can appear multiple times when the
// operator re-runs a failed id; its last recorded state wins, so a retry
// that succeeds supersedes the earlier failure.
func (m *Monitor) Snapshot(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{Layers: map[string]*LayerCounts{}}
	snap.Total = m.plan.PatternCount()

	states := map[string]patternState{}
	seenErr := map[string]bool{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		g := lineRe.FindStringSubmatch(line)
		if g == nil {
			m.classifyLine(snap, seenErr, line, snap.CurrentLayer, snap.CurrentPattern, snap.LastEvent)
			continue
		}
		ts, err := time.Parse(time.RFC3339, g[1])
		if err == nil && ts.After(snap.LastEvent) {
			snap.LastEvent = ts
		}
		level, layerID, patternID, msg := g[2], g[3], g[4], g[5]

		switch {
		case strings.HasPrefix(msg, "pattern start"):
			snap.CurrentLayer = layerID
			snap.CurrentPattern = patternID
			states[patternID] = stateRunning
		case msg == "pattern success":
			states[patternID] = stateSuccess
			m.clearCurrent(snap, patternID)
		case strings.HasPrefix(msg, "pattern failed"):
			states[patternID] = stateFailed
			m.clearCurrent(snap, patternID)
			m.classifyLine(snap, seenErr, msg, layerID, patternID, ts)
		case layerEndRe.MatchString(msg):
			// Tallies are derived from per-pattern lines; the summary
			// line only marks the layer boundary.
		default:
			if level == "ERROR" || level == "WARN" {
				m.classifyLine(snap, seenErr, msg, layerID, patternID, ts)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning run log: %w", err)
	}

	for _, l := range m.plan.Layers {
		c := &LayerCounts{}
		for _, p := range l.Patterns {
			switch states[p.ID] {
			case stateRunning:
				c.Running++
			case stateSuccess:
				c.Success++
			case stateFailed:
				c.Failed++
			default:
				c.Remaining++
			}
		}
		snap.Layers[l.ID] = c
		snap.Finished += c.Success + c.Failed
	}
	snap.Alerts = m.alerts(snap)
	return snap, nil
}

func (m *Monitor) clearCurrent(snap *Snapshot, patternID string) {
	if snap.CurrentPattern == patternID {
		snap.CurrentPattern = ""
		snap.CurrentLayer = ""
	}
}

// classifyLine records a classified error, re-attributing it to another
// pattern when the text names one. Remote logs from a lingering process can
// outlive their pattern, so the mention wins over positional attribution.
func (m *Monitor) classifyLine(snap *Snapshot, seen map[string]bool, text, layerID, patternID string, ts time.Time) {
	kind, ok := m.classify(text)
	if !ok {
		return
	}
	// A short id that happens to prefix a longer one (p1 vs p14-...) must
	// never steal a line from the pattern it prefixes.
	mentioned := m.mentionedPattern(text)
	if mentioned != "" && mentioned != patternID && !strings.HasPrefix(patternID, mentioned) {
		patternID = mentioned
		if _, l, ok := m.plan.FindPattern(mentioned); ok {
			layerID = l.ID
		}
	}
	key := string(kind) + "|" + patternID + "|" + text
	if seen[key] {
		return
	}
	seen[key] = true
	snap.RecentErrors = append(snap.RecentErrors, ClassifiedError{
		Kind:    kind,
		LayerID: layerID,
		Pattern: patternID,
		Text:    text,
		Time:    ts,
	})
	if len(snap.RecentErrors) > m.ErrorWindow {
		snap.RecentErrors = snap.RecentErrors[len(snap.RecentErrors)-m.ErrorWindow:]
	}
}

// mentionedPattern returns the longest plan pattern id the text names, so an
// id that is a prefix of another can never win over the full id.
func (m *Monitor) mentionedPattern(text string) string {
	best := ""
	for _, l := range m.plan.Layers {
		for _, p := range l.Patterns {
			if strings.Contains(text, p.ID) && len(p.ID) > len(best) {
				best = p.ID
			}
		}
	}
	return best
}

func (m *Monitor) alerts(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, l := range m.plan.Layers {
		c := snap.Layers[l.ID]
		if c.Failed > m.LayerFailureThreshold {
			alerts = append(alerts, Alert{
				Kind:    AlertLayerFailures,
				Message: fmt.Sprintf("layer %s has %d failed patterns", l.ID, c.Failed),
			})
		}
	}
	if snap.Finished >= m.MinFinishedForRate {
		var failed int
		for _, c := range snap.Layers {
			failed += c.Failed
		}
		rate := float64(failed) / float64(snap.Finished)
		if rate > m.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Kind:    AlertFailureRate,
				Message: fmt.Sprintf("%.0f%% of finished patterns failed (%d/%d)", rate*100, failed, snap.Finished),
			})
		}
	}
	if snap.Finished < snap.Total && !snap.LastEvent.IsZero() {
		if age := m.now().Sub(snap.LastEvent); age > m.StaleAfter {
			alerts = append(alerts, Alert{
				Kind:    AlertStaleLog,
				Message: fmt.Sprintf("no log activity for %s", age.Round(time.Second)),
			})
		}
	}
	return alerts
}
