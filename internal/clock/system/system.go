// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock satisfies crawler.Clock. Timestamps are always UTC so stored
// records and exported lastmod values compare cleanly.
type Clock struct{}

// New returns a wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time truncated to microseconds, the
// resolution Postgres keeps for timestamptz.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
