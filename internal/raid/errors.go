package raid

import (
	"errors"
	"fmt"
)

// ErrConflict marks a write rejected because the expected version token no
// longer matches the stored one.
var ErrConflict = errors.New("version conflict")

var ErrNotFound = errors.New("record not found")

// ValidationError is returned before any network call when a field value
// cannot be written.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field Field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RequestError wraps a failed call to the record store or enrichment
// service. Status is the HTTP status when one was received.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}
