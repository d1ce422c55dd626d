package testutil

import "time"

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Time is an alias of Ptr for time values, kept for readability.
func Time(v time.Time) *time.Time { return &v }

// Date returns a UTC time for the given year, month, and day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
