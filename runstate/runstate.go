// Package runstate holds the persisted shape of a harvest run: the phase,
// the work queue and cursor, and what has been captured or has failed.
//
// RunState is the only value that survives a browser reload. Everything in
// this package is plain data; the fsm package owns all mutation.
package runstate

import (
	"fmt"
	"strconv"
	"time"
)

// Phase is one state of the run state machine.
type Phase string

const (
	Idle     Phase = "IDLE"
	Discover Phase = "DISCOVER"
	OpenItem Phase = "OPEN_ITEM"
	InItem   Phase = "IN_ITEM"
	Return   Phase = "RETURN"
	Done     Phase = "DONE"
	Fail     Phase = "FAIL"
)

var phases = map[Phase]bool{
	Idle: true, Discover: true, OpenItem: true, InItem: true,
	Return: true, Done: true, Fail: true,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return phases[p] }

// Active reports whether a run in phase p resumes on process start.
func (p Phase) Active() bool {
	switch p {
	case Discover, OpenItem, InItem, Return:
		return true
	}
	return false
}

// Terminal reports whether p ends the run.
func (p Phase) Terminal() bool { return p == Done || p == Fail }

// Status is the outcome of one capture.
type Status string

const (
	StatusOK      Status = "OK"
	StatusEmpty   Status = "EMPTY"
	StatusTimeout Status = "TIMEOUT"
)

// Role of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// NormalizeRole maps free-form author labels onto the three known roles.
func NormalizeRole(s string) Role {
	switch s {
	case "user", "human", "you":
		return RoleUser
	case "assistant", "ai", "bot", "model":
		return RoleAssistant
	}
	return RoleUnknown
}

// Turn is one message of a transcript, in presentation order.
type Turn struct {
	Index int    `json:"index"`
	Role  Role   `json:"role"`
	Text  string `json:"text"`
}

// Record is the capture of one item. Immutable once built; identified by
// ItemID so re-capturing the same item replaces rather than duplicates.
type Record struct {
	ItemID     string            `json:"item_id"`
	Label      string            `json:"label,omitempty"`
	URL        string            `json:"url,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
	Turns      []Turn            `json:"turns"`
	Status     Status            `json:"status"`
	Evidence   map[string]string `json:"evidence,omitempty"`
	// Unverified holds turns read from a view that never stabilized. They
	// are kept for manual replay and are not part of the transcript.
	Unverified []Turn            `json:"unverified_turns,omitempty"`
}

// Summary strips the turns; RunState keeps summaries, the capture index
// keeps full records.
func (r Record) Summary() Record {
	s := r
	s.Turns = nil
	s.Unverified = nil
	s.Evidence = make(map[string]string, len(r.Evidence)+1)
	for k, v := range r.Evidence {
		s.Evidence[k] = v
	}
	s.Evidence["turn_count"] = strconv.Itoa(len(r.Turns))
	return s
}

// FailureKind classifies a failure.
type FailureKind string

const (
	EnumerationFailure FailureKind = "ENUMERATION_FAILURE"
	NavigationStall    FailureKind = "NAVIGATION_STALL"
	BusyTimeout        FailureKind = "BUSY_TIMEOUT"
	CaptureEmpty       FailureKind = "CAPTURE_EMPTY"
	SinkFailure        FailureKind = "SINK_FAILURE"
)

// ItemTerminal reports whether a failure of this kind ends processing of
// the item without producing a Record.
func (k FailureKind) ItemTerminal() bool { return k == NavigationStall }

// FailureEvent records enough context to replay a failure by hand.
type FailureEvent struct {
	Kind   FailureKind `json:"kind"`
	ItemID string      `json:"item_id,omitempty"`
	Cursor int         `json:"cursor"`
	Phase  Phase       `json:"phase"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// RunState is the durable state of a run.
type RunState struct {
	RunID      string         `json:"run_id"`
	Phase      Phase          `json:"phase"`
	Cursor     int            `json:"cursor"`
	Queue      []ItemRef      `json:"queue"`
	Captured   []Record       `json:"captured"`
	Failures   []FailureEvent `json:"failures"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	// AnchorURL is the list view the run returns to between items.
	AnchorURL string `json:"anchor_url"`
	// StopRequested is honoured at the top of enumerator rounds and ticks.
	StopRequested bool `json:"stop_requested,omitempty"`
	// StoppedFrom is the active phase a stopped run resumes into.
	StoppedFrom Phase `json:"stopped_from,omitempty"`
	// NavAttempts counts navigations issued for queue[Cursor].
	NavAttempts int       `json:"nav_attempts,omitempty"`
	FailReason  string    `json:"fail_reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New returns a fresh run about to enumerate anchor.
func New(runID, anchor string, now time.Time) *RunState {
	return &RunState{
		RunID:     runID,
		Phase:     Discover,
		AnchorURL: anchor,
		StartedAt: now,
		UpdatedAt: now,
		Queue:     []ItemRef{},
		Captured:  []Record{},
		Failures:  []FailureEvent{},
	}
}

// Validate checks the structural invariants.
func (s *RunState) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("runstate: empty run id")
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("runstate: invalid phase %q", s.Phase)
	}
	if s.Cursor < 0 || s.Cursor > len(s.Queue) {
		return fmt.Errorf("runstate: cursor %d out of range [0,%d]", s.Cursor, len(s.Queue))
	}
	if s.StoppedFrom != "" && !s.StoppedFrom.Active() {
		return fmt.Errorf("runstate: stopped_from %q is not resumable", s.StoppedFrom)
	}
	return nil
}

// Current returns queue[cursor].
func (s *RunState) Current() (ItemRef, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Queue) {
		return ItemRef{}, false
	}
	return s.Queue[s.Cursor], true
}

// Processed counts queue positions that were settled: one per Record plus
// one per item-terminal failure.
func (s *RunState) Processed() int {
	n := len(s.Captured)
	for _, f := range s.Failures {
		if f.Kind.ItemTerminal() {
			n++
		}
	}
	return n
}

// CountStatus returns how many captured records carry st.
func (s *RunState) CountStatus(st Status) int {
	n := 0
	for _, r := range s.Captured {
		if r.Status == st {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Queue = append([]ItemRef(nil), s.Queue...)
	c.Captured = make([]Record, len(s.Captured))
	for i, r := range s.Captured {
		r.Turns = append([]Turn(nil), r.Turns...)
		if r.Unverified != nil {
			r.Unverified = append([]Turn(nil), r.Unverified...)
		}
		if r.Evidence != nil {
			ev := make(map[string]string, len(r.Evidence))
			for k, v := range r.Evidence {
				ev[k] = v
			}
			r.Evidence = ev
		}
		c.Captured[i] = r
	}
	c.Failures = append([]FailureEvent(nil), s.Failures...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
