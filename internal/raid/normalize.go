package raid

import (
	"math"
	"strings"
)

// Untitled replaces a blank description.
const Untitled = "Untitled"

// Clamp bounds a probability or severity to [0,100].
func Clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// ClampFloat bounds a fractional probability or severity to [0,100] before
// rounding, so values beyond the int range still land on an edge.
func ClampFloat(value float64) int {
	return int(math.Round(math.Max(0, math.Min(100, value))))
}

// NormalizePatch prepares a patch for writing. Blank descriptions become
// Untitled, a blank owner is rejected, the legacy Invalid status becomes
// Closed, scores are clamped and empty priority or response plan become null.
func NormalizePatch(p Patch) (Patch, error) {
	var out Patch
	if p.Description != nil {
		description := strings.TrimSpace(*p.Description)
		if description == "" {
			description = Untitled
		}
		out.Description = &description
	}
	if p.OwnerLabel != nil {
		owner := strings.TrimSpace(*p.OwnerLabel)
		if owner == "" {
			return Patch{}, invalid(FieldOwner, "owner is required")
		}
		out.OwnerLabel = &owner
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return Patch{}, invalid(FieldStatus, "unknown status %q", *p.Status)
		}
		out.Status = Ptr(p.Status.Writable())
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return Patch{}, invalid(FieldPriority, "unknown priority %q", *p.Priority)
		}
		out.Priority = Ptr(*p.Priority)
	}
	if p.Probability != nil {
		out.Probability = Ptr(Clamp(*p.Probability))
	}
	if p.Severity != nil {
		out.Severity = Ptr(Clamp(*p.Severity))
	}
	if p.DueDate != nil {
		out.DueDate = Ptr(*p.DueDate)
	}
	if p.ResponsePlan != nil {
		plan := *p.ResponsePlan
		if strings.TrimSpace(plan) == "" {
			plan = ""
		}
		out.ResponsePlan = &plan
	}
	return out, nil
}

// NormalizeDraft prepares a record for creation with the same rules as
// NormalizePatch. A missing status defaults to Open.
func NormalizeDraft(r Record) (Record, error) {
	if !r.Type.Valid() {
		return Record{}, invalid("type", "unknown type %q", r.Type)
	}
	if r.Status == "" {
		r.Status = StatusOpen
	}
	patch, err := NormalizePatch(Patch{
		Description:  Ptr(r.Description),
		OwnerLabel:   Ptr(r.OwnerLabel),
		Status:       Ptr(r.Status),
		Priority:     Ptr(r.Priority),
		Probability:  Ptr(r.Probability),
		Severity:     Ptr(r.Severity),
		DueDate:      Ptr(r.DueDate),
		ResponsePlan: Ptr(r.Plan()),
	})
	if err != nil {
		return Record{}, err
	}
	return patch.ApplyTo(r), nil
}
