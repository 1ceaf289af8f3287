// Package ingest watches the incoming-subband directory and groups
// subband files into complete sets ready for conversion.
package ingest

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// subbandNamePattern matches correlator dump filenames of the form
// <timestamp>_sb<NN>.<ext>, e.g. 2025-10-13T13:28:03_sb00.hdf5. This is the
// parser-boundary regex: dashed-date, colon-time timestamp, and any
// extension (dotted extensions included).
var subbandNamePattern = regexp.MustCompile(`^(?P<ts>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(?P<sb>\d{2})\.(?P<ext>[^/]+)$`)

const subbandTimestampLayout = "2006-01-02T15:04:05"

// SubbandFile identifies one ingested correlator dump.
type SubbandFile struct {
	Path      string
	Name      string
	Timestamp time.Time
	Subband   int
	Ext       string
	Size      int64
	Mtime     time.Time
}

// ParseSubbandName extracts the timestamp and subband index from a
// filename. ok is false when the name does not match the expected pattern.
func ParseSubbandName(name string) (ts time.Time, subband int, ext string, ok bool) {
	m := subbandNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, "", false
	}
	ts, err := time.Parse(subbandTimestampLayout, m[1])
	if err != nil {
		return time.Time{}, 0, "", false
	}
	var sb int
	if _, err := fmt.Sscanf(m[2], "%d", &sb); err != nil {
		return time.Time{}, 0, "", false
	}
	return ts, sb, m[3], true
}

// GroupEvent reports what Observe did with a subband file.
type GroupEvent int

const (
	// EventNone means the file was added to a still-forming group.
	EventNone GroupEvent = iota
	// EventComplete means the group now has every expected subband.
	EventComplete
	// EventTimedOut names a forming group's deadline passing. Neither
	// Observe nor SweepExpired returns it: SweepExpired hands a viable
	// expired group to onComplete and reports a non-viable one as
	// EventIncomplete.
	EventTimedOut
	// EventIncomplete means a forming group's deadline passed without
	// reaching min_viable and was abandoned.
	EventIncomplete
	// EventDuplicate means a file was received for a subband slot already
	// filled in its group.
	EventDuplicate
)

func (e GroupEvent) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventComplete:
		return "complete"
	case EventTimedOut:
		return "timed_out"
	case EventIncomplete:
		return "incomplete"
	case EventDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Group is the set of subband files observed for one timestamp.
type Group struct {
	Timestamp time.Time
	Files     map[int]SubbandFile
	FirstSeen time.Time
	Deadline  time.Time
	Claimed   bool
}

// Complete reports whether every expected subband slot is filled.
func (g *Group) Complete(expected int) bool {
	for i := 0; i < expected; i++ {
		if _, ok := g.Files[i]; !ok {
			return false
		}
	}
	return true
}

// Viable reports whether the group has reached the minimum viable count.
func (g *Group) Viable(minViable int) bool {
	return len(g.Files) >= minViable
}

// Sorted returns the group's files ordered by subband index.
func (g *Group) Sorted() []SubbandFile {
	out := make([]SubbandFile, 0, len(g.Files))
	for i := 0; i < 256; i++ {
		if f, ok := g.Files[i]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Grouper tracks in-progress subband groups keyed by timestamp.
type Grouper struct {
	mu               sync.Mutex
	groups           map[time.Time]*Group
	expectedSubbands int
	minViable        int
	groupTimeout     time.Duration

	onComplete   func(*Group)
	onAbandoned  func(*Group, GroupEvent)
	onDuplicate  func(SubbandFile, SubbandFile)
}

// NewGrouper constructs a Grouper. onComplete fires once per group when it
// reaches expectedSubbands. onAbandoned fires when the sweep expires a
// group that never reached minViable. onDuplicate fires when a second file
// arrives for an already-filled subband slot.
func NewGrouper(expectedSubbands, minViable int, groupTimeout time.Duration,
	onComplete func(*Group), onAbandoned func(*Group, GroupEvent), onDuplicate func(SubbandFile, SubbandFile)) *Grouper {
	return &Grouper{
		groups:           make(map[time.Time]*Group),
		expectedSubbands: expectedSubbands,
		minViable:        minViable,
		groupTimeout:     groupTimeout,
		onComplete:       onComplete,
		onAbandoned:      onAbandoned,
		onDuplicate:      onDuplicate,
	}
}

// Observe records a newly discovered subband file against its group,
// creating the group if this is the first file seen for its timestamp.
func (g *Grouper) Observe(f SubbandFile) GroupEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.groups[f.Timestamp]
	if !ok {
		group = &Group{
			Timestamp: f.Timestamp,
			Files:     make(map[int]SubbandFile),
			FirstSeen: time.Now(),
			Deadline:  time.Now().Add(g.groupTimeout),
		}
		g.groups[f.Timestamp] = group
	}

	if existing, dup := group.Files[f.Subband]; dup {
		// Keep whichever file has the later mtime; the other is sidelined.
		// onDuplicate still reports (existing, incoming) regardless of
		// which one wins, so callers can log/move the loser.
		if f.Mtime.After(existing.Mtime) {
			group.Files[f.Subband] = f
		}
		if g.onDuplicate != nil {
			g.onDuplicate(existing, f)
		}
		return EventDuplicate
	}

	group.Files[f.Subband] = f

	if group.Complete(g.expectedSubbands) {
		delete(g.groups, f.Timestamp)
		if g.onComplete != nil {
			g.onComplete(group)
		}
		return EventComplete
	}

	return EventNone
}

// SweepExpired scans forming groups for deadlines that have passed,
// emitting onAbandoned for those that never reached minViable and
// onComplete for those that did reach minViable but never reached
// expectedSubbands (a min-viable completion). Called periodically by the
// watcher's background ticker.
func (g *Grouper) SweepExpired(now time.Time) {
	g.mu.Lock()
	var toComplete []*Group
	var toAbandon []*Group
	for ts, group := range g.groups {
		if now.Before(group.Deadline) {
			continue
		}
		delete(g.groups, ts)
		if group.Viable(g.minViable) {
			toComplete = append(toComplete, group)
		} else {
			toAbandon = append(toAbandon, group)
		}
	}
	g.mu.Unlock()

	for _, group := range toComplete {
		if g.onComplete != nil {
			g.onComplete(group)
		}
	}
	for _, group := range toAbandon {
		if g.onAbandoned != nil {
			g.onAbandoned(group, EventIncomplete)
		}
	}
}

// Forming returns a snapshot of groups still awaiting more subbands, for
// status reporting through the external interface.
func (g *Grouper) Forming() []*Group {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Group, 0, len(g.groups))
	for _, group := range g.groups {
		copyGroup := *group
		copyGroup.Files = make(map[int]SubbandFile, len(group.Files))
		for k, v := range group.Files {
			copyGroup.Files[k] = v
		}
		out = append(out, &copyGroup)
	}
	return out
}
