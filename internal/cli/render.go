package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/raid"
)

func okMark() string   { return color.New(color.FgHiGreen).Sprint("✓") }
func warnMark() string { return color.New(color.FgYellow).Sprint("!") }
func errMark() string  { return color.New(color.FgRed).Sprint("✗") }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func rollupColor(rollup string) *color.Color {
	switch rollup {
	case "Severe":
		return color.New(color.FgRed, color.Bold)
	case "Elevated":
		return color.New(color.FgYellow)
	case "Moderate":
		return color.New(color.FgCyan)
	}
	return color.New(color.FgWhite)
}

func statusText(s raid.Status) string {
	switch s.Writable() {
	case raid.StatusOpen:
		return color.New(color.FgHiBlue).Sprint(s)
	case raid.StatusInProgress:
		return color.New(color.FgYellow).Sprint(s)
	case raid.StatusMitigated:
		return color.New(color.FgHiGreen).Sprint(s)
	}
	return color.New(color.FgHiBlack).Sprint(s)
}

func truncate(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) <= width {
		return text
	}
	return string([]rune(text)[:width-1]) + "…"
}

// printGroups renders every group in cache order.
func printGroups(out io.Writer, groups []cache.Group, c *cache.Cache) {
	for _, group := range groups {
		if len(group.Records) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s (%d)\n", color.New(color.Bold).Sprintf("%ss", group.Type), len(group.Records))
		w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tDESCRIPTION\tOWNER\tPRIORITY\tSTATUS\tP\tS\tSCORE\tDUE\tAI")
		for _, record := range group.Records {
			ai := ""
			if payload := record.AI(); payload != nil {
				ai = rollupColor(payload.Rollup).Sprint(payload.Rollup)
			}
			if record.AIDirty {
				ai += "*"
			}
			marker := " "
			if _, stale := c.Stale(record.ID); stale {
				marker = warnMark()
			}
			priority := string(record.Priority)
			if priority == "" {
				priority = "-"
			}
			fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				marker,
				shortID(record.ID),
				truncate(record.Description, 40),
				truncate(record.OwnerLabel, 16),
				priority,
				statusText(record.Status),
				record.Probability,
				record.Severity,
				record.Score(),
				record.DueDate,
				ai,
			)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}
}

// printRecord renders one record with its analysis.
func printRecord(out io.Writer, record raid.Record, stale *cache.Stale) {
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", record.ID)
	fmt.Fprintf(w, "Type:\t%s\n", record.Type)
	fmt.Fprintf(w, "Description:\t%s\n", record.Description)
	fmt.Fprintf(w, "Owner:\t%s\n", record.OwnerLabel)
	fmt.Fprintf(w, "Status:\t%s\n", statusText(record.Status))
	fmt.Fprintf(w, "Priority:\t%s\n", record.Value(raid.FieldPriority))
	fmt.Fprintf(w, "Probability:\t%d\n", record.Probability)
	fmt.Fprintf(w, "Severity:\t%d\n", record.Severity)
	fmt.Fprintf(w, "Score:\t%d\n", record.Score())
	fmt.Fprintf(w, "Due:\t%s\n", record.DueDate)
	fmt.Fprintf(w, "Response plan:\t%s\n", record.Plan())
	fmt.Fprintf(w, "Version:\t%s\n", record.UpdatedAt)
	if stale != nil {
		fmt.Fprintf(w, "Stale:\t%s (since %s)\n", stale.Reason, stale.Since.Format(time.Kitchen))
	}
	_ = w.Flush()

	payload := record.AI()
	if payload == nil {
		if record.AIDirty {
			fmt.Fprintln(out, "\nNo analysis yet.")
		}
		return
	}
	fmt.Fprintf(out, "\nAnalysis (%s, quality %d", rollupColor(payload.Rollup).Sprint(payload.Rollup), payload.AIQuality)
	if payload.LastRunAt != nil {
		fmt.Fprintf(out, ", %s", payload.LastRunAt.Local().Format("2006-01-02 15:04"))
	}
	if record.AIDirty {
		fmt.Fprint(out, ", out of date")
	}
	fmt.Fprintln(out, ")")
	fmt.Fprintf(out, "  %s\n", payload.Summary)
	for _, rec := range payload.Recommendations {
		fmt.Fprintf(out, "  - %s\n", rec)
	}
}

func printRuns(out io.Writer, runs []raid.EnrichmentRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No analysis runs.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "#\tWHEN\tMODEL\tROLLUP\tQUALITY\tP\tS\tSCORE")
	for i, run := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s@%s\t%s\t%d\t%d\t%d\t%d\n",
			i,
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			run.Model, run.Version,
			rollupColor(run.AI.Rollup).Sprint(run.AI.Rollup),
			run.AIQuality,
			run.Inputs.Probability, run.Inputs.Severity, run.Inputs.Score,
		)
	}
	_ = w.Flush()
}

func printChanges(out io.Writer, changes []raid.Change) {
	if len(changes) == 0 {
		fmt.Fprintln(out, "No differences.")
		return
	}
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	for _, change := range changes {
		switch change.Field {
		case "recommendation.added":
			fmt.Fprintln(out, added.Sprintf("+ %s", change.After))
		case "recommendation.removed":
			fmt.Fprintln(out, removed.Sprintf("- %s", change.Before))
		default:
			fmt.Fprintf(out, "%s: %s → %s\n", change.Field, removed.Sprint(change.Before), added.Sprint(change.After))
		}
	}
}
