package raid

import (
	"encoding/json"
	"fmt"
)

// Patch is a partial field set. A nil pointer leaves the field untouched.
// For the nullable fields a pointer to the empty value clears the field:
// PriorityNone, the zero Date and "" for the response plan.
type Patch struct {
	Description  *string
	OwnerLabel   *string
	Status       *Status
	Priority     *Priority
	Probability  *int
	Severity     *int
	DueDate      *Date
	ResponsePlan *string
}

func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields lists the fields the patch sets, in column order.
func (p Patch) Fields() []Field {
	var fields []Field
	for _, field := range EditableFields {
		if p.Has(field) {
			fields = append(fields, field)
		}
	}
	return fields
}

func (p Patch) Has(field Field) bool {
	switch field {
	case FieldDescription:
		return p.Description != nil
	case FieldOwner:
		return p.OwnerLabel != nil
	case FieldStatus:
		return p.Status != nil
	case FieldPriority:
		return p.Priority != nil
	case FieldProbability:
		return p.Probability != nil
	case FieldSeverity:
		return p.Severity != nil
	case FieldDueDate:
		return p.DueDate != nil
	case FieldResponsePlan:
		return p.ResponsePlan != nil
	}
	return false
}

// Merge returns p with every field set in other overriding it.
func (p Patch) Merge(other Patch) Patch {
	if other.Description != nil {
		p.Description = other.Description
	}
	if other.OwnerLabel != nil {
		p.OwnerLabel = other.OwnerLabel
	}
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.Priority != nil {
		p.Priority = other.Priority
	}
	if other.Probability != nil {
		p.Probability = other.Probability
	}
	if other.Severity != nil {
		p.Severity = other.Severity
	}
	if other.DueDate != nil {
		p.DueDate = other.DueDate
	}
	if other.ResponsePlan != nil {
		p.ResponsePlan = other.ResponsePlan
	}
	return p
}

// ApplyTo writes the set fields onto r.
func (p Patch) ApplyTo(r Record) Record {
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.OwnerLabel != nil {
		r.OwnerLabel = *p.OwnerLabel
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Probability != nil {
		r.Probability = *p.Probability
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.DueDate != nil {
		r.DueDate = *p.DueDate
	}
	if p.ResponsePlan != nil {
		if *p.ResponsePlan == "" {
			r.ResponsePlan = nil
		} else {
			plan := *p.ResponsePlan
			r.ResponsePlan = &plan
		}
	}
	return r
}

// Changes reports whether applying p to r would alter any field.
func (p Patch) Changes(r Record) bool {
	after := p.ApplyTo(r)
	for _, field := range p.Fields() {
		if r.Value(field) != after.Value(field) {
			return true
		}
	}
	return false
}

func (p Patch) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	if p.Description != nil {
		body[string(FieldDescription)] = *p.Description
	}
	if p.OwnerLabel != nil {
		body[string(FieldOwner)] = *p.OwnerLabel
	}
	if p.Status != nil {
		body[string(FieldStatus)] = *p.Status
	}
	if p.Priority != nil {
		body[string(FieldPriority)] = *p.Priority
	}
	if p.Probability != nil {
		body[string(FieldProbability)] = *p.Probability
	}
	if p.Severity != nil {
		body[string(FieldSeverity)] = *p.Severity
	}
	if p.DueDate != nil {
		body[string(FieldDueDate)] = *p.DueDate
	}
	if p.ResponsePlan != nil {
		if *p.ResponsePlan == "" {
			body[string(FieldResponsePlan)] = nil
		} else {
			body[string(FieldResponsePlan)] = *p.ResponsePlan
		}
	}
	return json.Marshal(body)
}

// UnmarshalJSON keeps explicit nulls: a null priority, due date or
// response plan becomes a pointer to the empty value.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Patch
	for key, value := range raw {
		field := Field(key)
		var err error
		switch field {
		case FieldDescription:
			out.Description, err = decodeText(value)
		case FieldOwner:
			out.OwnerLabel, err = decodeText(value)
		case FieldResponsePlan:
			out.ResponsePlan, err = decodeText(value)
		case FieldStatus:
			var status Status
			err = json.Unmarshal(value, &status)
			out.Status = &status
		case FieldPriority:
			var priority Priority
			err = json.Unmarshal(value, &priority)
			out.Priority = &priority
		case FieldProbability:
			out.Probability, err = decodeInt(value)
		case FieldSeverity:
			out.Severity, err = decodeInt(value)
		case FieldDueDate:
			var date Date
			err = json.Unmarshal(value, &date)
			out.DueDate = &date
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	*p = out
	return nil
}

func decodeText(value json.RawMessage) (*string, error) {
	var text *string
	if err := json.Unmarshal(value, &text); err != nil {
		return nil, err
	}
	if text == nil {
		empty := ""
		return &empty, nil
	}
	return text, nil
}

func decodeInt(value json.RawMessage) (*int, error) {
	var number float64
	if err := json.Unmarshal(value, &number); err != nil {
		return nil, err
	}
	n := ClampFloat(number)
	return &n, nil
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
