// Package raid holds the RAID register domain model shared by the editing
// engine, the API server and the Postgres store.
package raid

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Type is the RAID category of a record. It is fixed at creation.
type Type string

const (
	TypeRisk       Type = "Risk"
	TypeAssumption Type = "Assumption"
	TypeIssue      Type = "Issue"
	TypeDependency Type = "Dependency"
)

// Types lists the categories in display order.
var Types = []Type{TypeRisk, TypeAssumption, TypeIssue, TypeDependency}

func (t Type) Valid() bool {
	switch t {
	case TypeRisk, TypeAssumption, TypeIssue, TypeDependency:
		return true
	}
	return false
}

// ParseType matches a category name case-insensitively. Plural forms are
// accepted because the register headers use them.
func ParseType(value string) (Type, bool) {
	key := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), "s")
	for _, t := range Types {
		if strings.ToLower(string(t)) == key {
			return t, true
		}
	}
	return "", false
}

type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusMitigated  Status = "Mitigated"
	StatusClosed     Status = "Closed"
	// StatusInvalid is a legacy value. It can be read from storage but is
	// always written as StatusClosed.
	StatusInvalid Status = "Invalid"
)

var statusCycle = []Status{StatusOpen, StatusInProgress, StatusMitigated, StatusClosed}

// Statuses lists the writable statuses in cycle order.
func Statuses() []Status {
	return append([]Status(nil), statusCycle...)
}

// Valid reports whether s is a known status, legacy value included.
func (s Status) Valid() bool {
	return s == StatusInvalid || s.writable()
}

func (s Status) writable() bool {
	for _, candidate := range statusCycle {
		if s == candidate {
			return true
		}
	}
	return false
}

// Writable returns the value this status is stored as.
func (s Status) Writable() Status {
	if s == StatusInvalid {
		return StatusClosed
	}
	return s
}

// Active reports whether the record is still being worked (Open or In Progress).
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Next returns the following status in cycle order, wrapping after Closed.
// Unknown values are returned unchanged.
func (s Status) Next() Status {
	current := s.Writable()
	for i, candidate := range statusCycle {
		if candidate == current {
			return statusCycle[(i+1)%len(statusCycle)]
		}
	}
	return s
}

// ParseStatus matches free text against the known statuses. Separators and
// case are ignored, so "in_progress" and "IN PROGRESS" both match.
func ParseStatus(value string) (Status, bool) {
	key := enumKey(value)
	switch key {
	case "open":
		return StatusOpen, true
	case "inprogress", "wip":
		return StatusInProgress, true
	case "mitigated":
		return StatusMitigated, true
	case "closed", "done":
		return StatusClosed, true
	case "invalid":
		return StatusInvalid, true
	}
	return "", false
}

// Priority is optional; PriorityNone is stored as null.
type Priority string

const (
	PriorityNone     Priority = ""
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

var priorityCycle = []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	for _, candidate := range priorityCycle {
		if p == candidate {
			return true
		}
	}
	return false
}

// Next returns the following priority, wrapping from Critical back to none.
func (p Priority) Next() Priority {
	for i, candidate := range priorityCycle {
		if candidate == p {
			return priorityCycle[(i+1)%len(priorityCycle)]
		}
	}
	return p
}

func ParsePriority(value string) (Priority, bool) {
	switch enumKey(value) {
	case "", "none", "-":
		return PriorityNone, true
	case "low", "l":
		return PriorityLow, true
	case "medium", "med", "m":
		return PriorityMedium, true
	case "high", "h":
		return PriorityHigh, true
	case "critical", "crit", "c":
		return PriorityCritical, true
	}
	return "", false
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if p == PriorityNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var value *string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value == nil {
		*p = PriorityNone
		return nil
	}
	*p = Priority(*value)
	return nil
}

func enumKey(value string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
}

// Record is a single RAID register entry.
type Record struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	Type         Type        `json:"type"`
	Description  string      `json:"description"`
	OwnerLabel   string      `json:"owner_label"`
	Status       Status      `json:"status"`
	Priority     Priority    `json:"priority"`
	Probability  int         `json:"probability"`
	Severity     int         `json:"severity"`
	DueDate      Date        `json:"due_date"`
	ResponsePlan *string     `json:"response_plan"`
	RelatedRefs  RelatedRefs `json:"related_refs"`
	AIDirty      bool        `json:"ai_dirty"`
	CreatedAt    time.Time   `json:"created_at"`
	// UpdatedAt is the version token. It is opaque to clients and only
	// compared for equality by the store.
	UpdatedAt string `json:"updated_at"`
}

// Score is derived from probability and severity on every read.
func (r Record) Score() int {
	return Score(r.Probability, r.Severity)
}

// MarshalJSON adds the derived score so API consumers can display it. The
// score is ignored when decoding.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		Score int `json:"score"`
	}{plain: plain(r), Score: r.Score()})
}

// UpdatedTime parses the version token when it carries a timestamp. It is
// only used for ordering.
func (r Record) UpdatedTime() (time.Time, bool) {
	if r.UpdatedAt == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func (r Record) Plan() string {
	if r.ResponsePlan == nil {
		return ""
	}
	return *r.ResponsePlan
}

func (r Record) AI() *AIPayload {
	return r.RelatedRefs.AI
}

// Score computes round(probability × severity / 100).
func Score(probability, severity int) int {
	return int(math.Round(float64(probability*severity) / 100))
}

type RelatedRefs struct {
	AI *AIPayload `json:"ai,omitempty"`
}

// AIPayload is the enrichment result attached to a record.
type AIPayload struct {
	Summary         string     `json:"summary"`
	Rollup          string     `json:"rollup"`
	Recommendations []string   `json:"recommendations"`
	AIStatus        string     `json:"ai_status"`
	AIQuality       int        `json:"ai_quality"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	Inputs          *AIInputs  `json:"inputs,omitempty"`
}

// AIInputs snapshots the scoring fields as they stood when enrichment ran.
type AIInputs struct {
	Probability int `json:"probability"`
	Severity    int `json:"severity"`
	Score       int `json:"score"`
}

// EnrichmentRun is one immutable invocation of the enrichment service.
type EnrichmentRun struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"item_id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
	Version   string    `json:"version"`
	AIQuality int       `json:"ai_quality"`
	AI        AIPayload `json:"ai"`
	Inputs    AIInputs  `json:"inputs"`
}
