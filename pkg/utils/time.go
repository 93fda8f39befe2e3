package utils

import "time"

// NormalizeTimestamp rewrites an RFC 3339 timestamp (or one without a zone,
// read as UTC) in UTC with second precision. A bare date is kept as is.
// Unparseable values are returned unchanged.
func NormalizeTimestamp(value string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return value
}
