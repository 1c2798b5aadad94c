package raid

import (
	"math"
	"strconv"
	"strings"
)

// Field names an editable column of the register.
type Field string

const (
	FieldDescription  Field = "description"
	FieldOwner        Field = "owner_label"
	FieldStatus       Field = "status"
	FieldPriority     Field = "priority"
	FieldProbability  Field = "probability"
	FieldSeverity     Field = "severity"
	FieldDueDate      Field = "due_date"
	FieldResponsePlan Field = "response_plan"
)

// EditableFields is the fixed column order of the grid.
var EditableFields = []Field{
	FieldDescription,
	FieldOwner,
	FieldPriority,
	FieldStatus,
	FieldProbability,
	FieldSeverity,
	FieldDueDate,
	FieldResponsePlan,
}

func ParseFieldName(name string) (Field, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "owner", "owner_label":
		return FieldOwner, true
	case "plan", "response", "response_plan":
		return FieldResponsePlan, true
	case "due", "due_date":
		return FieldDueDate, true
	}
	for _, field := range EditableFields {
		if string(field) == key {
			return field, true
		}
	}
	return "", false
}

// Enum reports whether the field takes one of a closed set of values.
func (f Field) Enum() bool {
	return f == FieldStatus || f == FieldPriority
}

// Value renders the field of r as the text an edit surface is seeded with.
func (r Record) Value(field Field) string {
	switch field {
	case FieldDescription:
		return r.Description
	case FieldOwner:
		return r.OwnerLabel
	case FieldStatus:
		return string(r.Status)
	case FieldPriority:
		return string(r.Priority)
	case FieldProbability:
		return strconv.Itoa(r.Probability)
	case FieldSeverity:
		return strconv.Itoa(r.Severity)
	case FieldDueDate:
		return r.DueDate.String()
	case FieldResponsePlan:
		return r.Plan()
	}
	return ""
}

// ParseField turns typed or pasted text into a single-field patch. Enum
// text that matches no value and non-numeric scores are rejected; an
// unparseable date clears the due date instead of failing.
func ParseField(field Field, text string) (Patch, error) {
	switch field {
	case FieldDescription:
		return Patch{Description: Ptr(text)}, nil
	case FieldOwner:
		return Patch{OwnerLabel: Ptr(text)}, nil
	case FieldResponsePlan:
		return Patch{ResponsePlan: Ptr(text)}, nil
	case FieldStatus:
		status, ok := ParseStatus(text)
		if !ok {
			return Patch{}, invalid(field, "unknown status %q", strings.TrimSpace(text))
		}
		return Patch{Status: Ptr(status)}, nil
	case FieldPriority:
		priority, ok := ParsePriority(text)
		if !ok {
			return Patch{}, invalid(field, "unknown priority %q", strings.TrimSpace(text))
		}
		return Patch{Priority: Ptr(priority)}, nil
	case FieldProbability, FieldSeverity:
		n, err := parsePercent(text)
		if err != nil {
			return Patch{}, invalid(field, "expected a number, got %q", strings.TrimSpace(text))
		}
		if field == FieldProbability {
			return Patch{Probability: Ptr(n)}, nil
		}
		return Patch{Severity: Ptr(n)}, nil
	case FieldDueDate:
		date, _ := ParseDate(text)
		return Patch{DueDate: Ptr(date)}, nil
	}
	return Patch{}, invalid(field, "field is not editable")
}

func parsePercent(text string) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(text), "%")
	value, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, strconv.ErrSyntax
	}
	return ClampFloat(value), nil
}
