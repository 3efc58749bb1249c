package status

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Status is the operational state of a line or station.
//
// Values outside the six known codes never get past ParseStatus, so code that
// holds a Status can switch on it exhaustively.
type Status uint8

const (
	ScheduledClosed Status = 0
	Operational     Status = 1
	Closed          Status = 2
	Partial         Status = 3
	Delayed         Status = 4
	Extended        Status = 5
)

var statusNames = [...]string{
	ScheduledClosed: "scheduled_closed",
	Operational:     "operational",
	Closed:          "closed",
	Partial:         "partial",
	Delayed:         "delayed",
	Extended:        "extended",
}

// aliases accepted at ingestion besides the canonical names and numeric codes.
var statusAliases = map[string]Status{
	"scheduled-closed": ScheduledClosed,
	"off-hours":        ScheduledClosed,
	"ok":               Operational,
	"normal":           Operational,
	"open":             Operational,
	"down":             Closed,
	"partial_closure":  Partial,
	"delay":            Delayed,
	"extended_hours":   Extended,
}

// All lists every status in code order.
func All() []Status {
	return []Status{ScheduledClosed, Operational, Closed, Partial, Delayed, Extended}
}

func (s Status) Valid() bool { return int(s) < len(statusNames) }

func (s Status) String() string {
	if !s.Valid() {
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// Severity ranks statuses for colour and direction decisions.
// Higher means worse.
func (s Status) Severity() int {
	switch s {
	case Closed:
		return 5
	case Partial:
		return 4
	case Delayed:
		return 3
	case Extended:
		return 2
	case ScheduledClosed:
		return 1
	default:
		return 0
	}
}

// ParseStatus converts a code, numeric string or status name into a Status.
func ParseStatus(v any) (Status, error) {
	switch t := v.(type) {
	case Status:
		if t.Valid() {
			return t, nil
		}
	case int:
		return fromInt(int64(t))
	case int64:
		return fromInt(t)
	case float64:
		if t == float64(int64(t)) {
			return fromInt(int64(t))
		}
	case json.Number:
		n, err := t.Int64()
		if err == nil {
			return fromInt(n)
		}
	case string:
		return parseString(t)
	case nil:
		return 0, fmt.Errorf("status: missing value")
	}
	return 0, fmt.Errorf("status: unsupported value %v", v)
}

func fromInt(n int64) (Status, error) {
	if n < 0 || n >= int64(len(statusNames)) {
		return 0, fmt.Errorf("status: code %d out of range", n)
	}
	return Status(n), nil
}

func parseString(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("status: empty value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromInt(n)
	}
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	if st, ok := statusAliases[s]; ok {
		return st, nil
	}
	return 0, fmt.Errorf("status: unknown value %q", raw)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s))), nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	st, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
