// Package util holds the logging, closing and random-value helpers shared by
// the sqlexam packages.
//revive:disable:var-naming // Package name follows project convention.
package util

import (
	"math/rand"
	"time"
)

// Layouts used for synthesized temporal values.
const (
	DateLayout     = "2006-01-02"
	ClockLayout    = "15:04:05"
	DatetimeLayout = DateLayout + " " + ClockLayout
)

// Chance reports true for roughly percent out of every hundred calls.
// Values outside 0..100 saturate.
func Chance(r *rand.Rand, percent int) bool {
	switch {
	case percent <= 0:
		return false
	case percent >= 100:
		return true
	}
	return r.Intn(100) < percent
}

// Pick returns one element of items. items must be non-empty.
func Pick[T any](r *rand.Rand, items []T) T {
	return items[r.Intn(len(items))]
}

// Between returns an int in the closed range [lo, hi]; lo when hi <= lo.
func Between(r *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.Intn(hi-lo+1)
}

// RandomInstant returns a UTC second between Jan 1 of firstYear and Dec 31
// of lastYear inclusive.
func RandomInstant(r *rand.Rand, firstYear, lastYear int) time.Time {
	if lastYear < firstYear {
		lastYear = firstYear
	}
	from := time.Date(firstYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(lastYear+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	span := until.Unix() - from.Unix()
	return from.Add(time.Duration(r.Int63n(span)) * time.Second)
}

// RandomDate formats RandomInstant as a calendar date.
func RandomDate(r *rand.Rand, firstYear, lastYear int) string {
	return RandomInstant(r, firstYear, lastYear).Format(DateLayout)
}

// RandomClock returns a time of day.
func RandomClock(r *rand.Rand) string {
	midnight := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(r.Intn(24*60*60)) * time.Second).Format(ClockLayout)
}

// RandomDatetime formats RandomInstant as date and time of day.
func RandomDatetime(r *rand.Rand, firstYear, lastYear int) string {
	return RandomInstant(r, firstYear, lastYear).Format(DatetimeLayout)
}
