package raid

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const isoDate = "2006-01-02"

// Date is a calendar date without a time zone. The zero value means the
// date is absent and encodes as JSON null.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf takes the calendar date of t in its own location.
func DateOf(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	year, month, day := t.Date()
	return Date{Year: year, Month: month, Day: day}
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	if d.IsZero() {
		return time.Time{}
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(isoDate)
}

func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// ParseDate accepts ISO YYYY-MM-DD and DD/MM/YY or DD/MM/YYYY. Two-digit
// years are in the 2000s. Impossible dates such as 31/02 are rejected.
func ParseDate(value string) (Date, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Date{}, false
	}
	if parsed, err := time.Parse(isoDate, value); err == nil {
		return DateOf(parsed), true
	}
	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return Date{}, false
	}
	day, errDay := strconv.Atoi(parts[0])
	month, errMonth := strconv.Atoi(parts[1])
	year, errYear := strconv.Atoi(parts[2])
	if errDay != nil || errMonth != nil || errYear != nil {
		return Date{}, false
	}
	switch len(parts[2]) {
	case 2:
		year += 2000
	case 4:
	default:
		return Date{}, false
	}
	candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if candidate.Year() != year || int(candidate.Month()) != month || candidate.Day() != day {
		return Date{}, false
	}
	return DateOf(candidate), true
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var value *string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value == nil || strings.TrimSpace(*value) == "" {
		*d = Date{}
		return nil
	}
	raw := *value
	if len(raw) > len(isoDate) {
		raw = raw[:len(isoDate)]
	}
	parsed, ok := ParseDate(raw)
	if !ok {
		return fmt.Errorf("invalid date %q", *value)
	}
	*d = parsed
	return nil
}
