package repo

import (
	"fmt"
	"time"
)

// timestampFormats mirrors the layouts SQLite and typical JSON APIs emit
// for a timestamp column, tried in order until one parses.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// parseServerTimestamp returns s as epoch millis, trying each known
// layout in turn.
func parseServerTimestamp(s string) (int64, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp format: %q", s)
}
