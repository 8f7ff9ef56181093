package repository

import (
	"fmt"
	"strings"
	"time"
)

// Layouts seen from PostgREST, pgx and go-sqlite3. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp parses a stored timestamp and returns it in UTC.
func parseTimestamp(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrMalformedTimestamp)
	}
	// Postgres renders short offsets such as "+00".
	if n := len(s); n > 3 && (s[n-3] == '+' || s[n-3] == '-') && strings.ContainsAny(s[:n-3], "T ") {
		s += ":00"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, v)
}

// formatTimestamp renders t as ISO-8601 UTC for filter values.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
