package app

import (
	"fmt"
	"strings"
	"time"

	"raidboard/api/internal/raid"
)

const (
	analyzerModel   = "raid-heuristic"
	analyzerVersion = "1"
)

// Rollup bands over the 0..100 score.
const (
	RollupLow      = "Low"
	RollupModerate = "Moderate"
	RollupElevated = "Elevated"
	RollupSevere   = "Severe"
)

func rollup(score int) string {
	switch {
	case score < 25:
		return RollupLow
	case score < 55:
		return RollupModerate
	case score < 75:
		return RollupElevated
	default:
		return RollupSevere
	}
}

// Analyze produces the enrichment run for record as of now. It is pure so
// repeated refreshes of an unchanged record yield the same payload apart
// from the run timestamp.
func Analyze(record raid.Record, now time.Time) raid.EnrichmentRun {
	score := record.Score()
	band := rollup(score)
	ranAt := now.UTC()

	payload := raid.AIPayload{
		Summary:         summarize(record, score, band),
		Rollup:          band,
		Recommendations: recommend(record, now),
		AIStatus:        "complete",
		AIQuality:       quality(record),
		LastRunAt:       &ranAt,
		Inputs: &raid.AIInputs{
			Probability: record.Probability,
			Severity:    record.Severity,
			Score:       score,
		},
	}
	return raid.EnrichmentRun{
		RecordID:  record.ID,
		Model:     analyzerModel,
		Version:   analyzerVersion,
		AIQuality: payload.AIQuality,
		AI:        payload,
		Inputs:    *payload.Inputs,
	}
}

func summarize(record raid.Record, score int, band string) string {
	description := strings.TrimSpace(record.Description)
	if len(description) > 80 {
		description = strings.TrimSpace(description[:77]) + "..."
	}
	owner := strings.TrimSpace(record.OwnerLabel)
	if owner == "" {
		owner = "unassigned"
	}
	return fmt.Sprintf("%s owned by %s: %s. Score %d (%s).", record.Type, owner, description, score, strings.ToLower(band))
}

func recommend(record raid.Record, now time.Time) []string {
	recs := make([]string, 0, 4)
	if !record.Status.Active() {
		return recs
	}
	if strings.TrimSpace(record.Plan()) == "" {
		recs = append(recs, "Document a response plan.")
	}
	today := raid.DateOf(now)
	switch {
	case record.DueDate.IsZero():
		recs = append(recs, "Set a due date.")
	case record.DueDate.Before(today):
		recs = append(recs, fmt.Sprintf("Due date %s has passed; re-plan or close.", record.DueDate))
	}
	if record.Severity >= 70 {
		recs = append(recs, "Escalate: severity is high.")
	}
	if isUnowned(record.OwnerLabel) {
		recs = append(recs, "Assign an accountable owner.")
	}
	return recs
}

func isUnowned(owner string) bool {
	switch strings.ToLower(strings.TrimSpace(owner)) {
	case "", "tbd", "unassigned", "none", "-":
		return true
	}
	return false
}

// quality scores how complete the record is, out of 100.
func quality(record raid.Record) int {
	total := 0
	if desc := strings.TrimSpace(record.Description); desc != "" && desc != raid.Untitled {
		total += 25
	}
	if !isUnowned(record.OwnerLabel) {
		total += 20
	}
	if record.Priority != raid.PriorityNone {
		total += 10
	}
	if record.Probability > 0 && record.Severity > 0 {
		total += 15
	}
	if !record.DueDate.IsZero() {
		total += 10
	}
	if strings.TrimSpace(record.Plan()) != "" {
		total += 20
	}
	return total
}
