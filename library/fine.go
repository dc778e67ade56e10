package library

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

const (
	DefaultBorrowLimit = 10
	DefaultGraceDays   = 14
	DefaultFinePerDay  = 2.0

	minYear = 1900
)

// FinePolicy describes how overdue fines accrue.
type FinePolicy struct {
	GraceDays  int
	RatePerDay float64
}

// DefaultFinePolicy is a 14 day grace period followed by 2.0 per day.
func DefaultFinePolicy() FinePolicy {
	return FinePolicy{GraceDays: DefaultGraceDays, RatePerDay: DefaultFinePerDay}
}

// Fine applies the policy to a loan borrowed on borrow and returned on ret.
func (p FinePolicy) Fine(borrow, ret civil.Date) float64 {
	return Fine(borrow, ret, p.GraceDays, p.RatePerDay)
}

// DueDate is the last day a loan borrowed on borrow can be returned free of charge.
func (p FinePolicy) DueDate(borrow civil.Date) civil.Date {
	return borrow.AddDays(p.GraceDays)
}

// DaysBetween counts whole calendar days from one date to another. The
// result is negative when to precedes from.
func DaysBetween(from, to civil.Date) int {
	return to.DaysSince(from)
}

// Fine computes max(0, days - graceDays) * ratePerDay.
func Fine(borrow, ret civil.Date, graceDays int, ratePerDay float64) float64 {
	overdue := DaysBetween(borrow, ret) - graceDays
	if overdue <= 0 {
		return 0
	}
	return float64(overdue) * ratePerDay
}

// ParseDate accepts ISO dates (2025-01-20) and the legacy day-first form
// (20/01/2025). The date must exist in the Gregorian calendar.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	var (
		d   civil.Date
		err error
	)
	switch {
	case len(s) == 10 && s[4] == '-' && s[7] == '-':
		d, err = civil.ParseDate(s)
	case len(s) == 10 && s[2] == '/' && s[5] == '/':
		var t time.Time
		t, err = time.Parse("02/01/2006", s)
		d = civil.DateOf(t)
	default:
		return civil.Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	if !d.IsValid() || d.Year < minYear {
		return civil.Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.Local
	}
	return civil.DateOf(now.In(loc))
}
