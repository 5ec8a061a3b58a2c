// Package timestamp holds the second-resolution, zone-less timestamp format
// shared by the source log, the checkpoint and the batch artifacts.
package timestamp

import (
	"strings"
	"time"
)

// Layout is the on-disk timestamp format (YYYY-MM-DD HH:MM:SS, local time)
const Layout = "2006-01-02 15:04:05"

// Parse parses a timestamp in the local zone. Surrounding whitespace is ignored.
func Parse(s string) (time.Time, error) {
	return time.ParseInLocation(Layout, strings.TrimSpace(s), time.Local)
}

// Format renders t in Layout
func Format(t time.Time) string {
	return t.Format(Layout)
}
