package raid

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Change is one difference between two enrichment runs.
type Change struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffRuns compares an older run with a newer one over every known payload
// field. Recommendations are compared as sets and reported as
// recommendation.added / recommendation.removed entries.
func DiffRuns(older, newer EnrichmentRun) []Change {
	var changes []Change
	add := func(field, before, after string) {
		if before != after {
			changes = append(changes, Change{Field: field, Before: before, After: after})
		}
	}
	itoa := strconv.Itoa

	add("model", older.Model, newer.Model)
	add("version", older.Version, newer.Version)
	add("summary", older.AI.Summary, newer.AI.Summary)
	add("rollup", older.AI.Rollup, newer.AI.Rollup)
	add("ai_status", older.AI.AIStatus, newer.AI.AIStatus)
	add("ai_quality", itoa(older.AIQuality), itoa(newer.AIQuality))
	add("inputs.probability", itoa(older.Inputs.Probability), itoa(newer.Inputs.Probability))
	add("inputs.severity", itoa(older.Inputs.Severity), itoa(newer.Inputs.Severity))
	add("inputs.score", itoa(older.Inputs.Score), itoa(newer.Inputs.Score))
	add("ai.ai_quality", itoa(older.AI.AIQuality), itoa(newer.AI.AIQuality))
	add("ai.inputs", formatInputs(older.AI.Inputs), formatInputs(newer.AI.Inputs))
	add("last_run_at", formatRunAt(older.AI.LastRunAt), formatRunAt(newer.AI.LastRunAt))

	before := stringSet(older.AI.Recommendations)
	after := stringSet(newer.AI.Recommendations)
	for _, rec := range newer.AI.Recommendations {
		if _, ok := before[normalizeRecommendation(rec)]; !ok {
			changes = append(changes, Change{Field: "recommendation.added", After: rec})
		}
	}
	for _, rec := range older.AI.Recommendations {
		if _, ok := after[normalizeRecommendation(rec)]; !ok {
			changes = append(changes, Change{Field: "recommendation.removed", Before: rec})
		}
	}
	return changes
}

func formatInputs(inputs *AIInputs) string {
	if inputs == nil {
		return ""
	}
	return fmt.Sprintf("%d/%d/%d", inputs.Probability, inputs.Severity, inputs.Score)
}

func formatRunAt(at *time.Time) string {
	if at == nil {
		return ""
	}
	return at.UTC().Format(time.RFC3339)
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[normalizeRecommendation(value)] = struct{}{}
	}
	return set
}

func normalizeRecommendation(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
