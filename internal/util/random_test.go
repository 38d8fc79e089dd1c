package util

import (
	"math/rand"
	"testing"
	"time"
)

func TestChanceSaturates(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		if Chance(r, -5) || Chance(r, 0) {
			t.Fatalf("Chance returned true at or below zero")
		}
		if !Chance(r, 100) || !Chance(r, 250) {
			t.Fatalf("Chance returned false at or above one hundred")
		}
	}
}

func TestPickReachesEveryItem(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	items := []string{"north", "south", "east", "west"}
	seen := make(map[string]int)
	for i := 0; i < 400; i++ {
		seen[Pick(r, items)]++
	}
	if len(seen) != len(items) {
		t.Fatalf("not every item picked: %v", seen)
	}
}

func TestBetween(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	if got := Between(r, 9, 3); got != 9 {
		t.Fatalf("Between(9, 3)=%d, want 9", got)
	}
	for i := 0; i < 300; i++ {
		if got := Between(r, -2, 2); got < -2 || got > 2 {
			t.Fatalf("Between(-2, 2)=%d out of range", got)
		}
	}
}

func TestRandomTemporalValues(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		d, err := time.Parse(DateLayout, RandomDate(r, 2020, 2024))
		if err != nil {
			t.Fatalf("date: %v", err)
		}
		if d.Year() < 2020 || d.Year() > 2024 {
			t.Fatalf("year %d out of range", d.Year())
		}
		if _, err := time.Parse(ClockLayout, RandomClock(r)); err != nil {
			t.Fatalf("clock: %v", err)
		}
		dt, err := time.Parse(DatetimeLayout, RandomDatetime(r, 2024, 2024))
		if err != nil {
			t.Fatalf("datetime: %v", err)
		}
		if dt.Year() != 2024 {
			t.Fatalf("datetime year %d, want 2024", dt.Year())
		}
	}
}
