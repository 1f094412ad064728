package payment

import "strings"

// Status is the canonical lifecycle state shared by every component outside the adapters.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every canonical status.
var Statuses = []Status{StatusPending, StatusSuccess, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a canonical status string. Anything else is reported as invalid.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// statusTable maps a provider's native vocabulary onto canonical statuses.
type statusTable map[string]Status

// lookup normalises the native value and falls back to PENDING for anything unknown.
func (t statusTable) lookup(native string) Status {
	key := strings.ToLower(strings.TrimSpace(native))
	if s, ok := t[key]; ok {
		return s
	}
	return StatusPending
}
