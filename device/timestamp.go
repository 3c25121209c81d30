package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimestampZone is returned by [ParseTimestamp] when the input is not
// expressed in UTC with a trailing "Z".
var ErrTimestampZone = errors.New("timestamp must be UTC with a trailing Z")

// FormatTimestamp renders t as ISO-8601 in UTC with a trailing "Z".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses an ISO-8601 UTC timestamp.
//
// Offsets such as "+02:00" or "+00:00" are rejected even when they denote
// the same instant; only the "Z" form is accepted.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrTimestampZone)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// formatOptional renders an optional timestamp for JSON encoding.
func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTimestamp(*t)
	return &s
}

// parseOptional is the inverse of formatOptional.
func parseOptional(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := ParseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
