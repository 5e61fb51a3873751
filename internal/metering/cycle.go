package metering

import (
	"fmt"
	"time"
)

// Billing cycles are UTC calendar months identified as "YYYY-MM".
// A usage record or notification belongs to the cycle of its UTC creation time,
// whatever the user's local timezone is.
const cycleLayout = "2006-01"

// Cycle returns the billing cycle containing t.
func Cycle(t time.Time) string {
	return t.UTC().Format(cycleLayout)
}

// CycleBounds returns [start, end) of a cycle in UTC.
func CycleBounds(cycle string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(cycleLayout, cycle, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("metering: invalid cycle %q: %w", cycle, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}
