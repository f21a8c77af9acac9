package util

import (
	"time"
)

const dateLayout = "2006-01-02"

// ParseDate tries ISO (2006-01-02) and compact KRX (20060102) date forms.
// Returns (t, true) if any worked.
func ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("20060102", s); err == nil {
		return t, true
	}
	// KRX pages sometimes render dates with dots
	if t, err := time.Parse("2006.01.02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// FormatDate renders the ISO date form used across tables and logs.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// DateOnly truncates to midnight UTC so (symbol, trade_date) keys compare
// independent of the wall-clock component.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DatePtr is a convenience for optional date columns.
func DatePtr(t time.Time) *time.Time {
	d := DateOnly(t)
	return &d
}

// SameDay reports whether two timestamps fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
