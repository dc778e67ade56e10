package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFine(t *testing.T) {
	tests := []struct {
		name   string
		borrow string
		ret    string
		want   float64
	}{
		{"inside grace period", "01/01/2025", "10/01/2025", 0},
		{"last day of grace", "01/01/2025", "15/01/2025", 0},
		{"first fined day", "01/01/2025", "16/01/2025", 2},
		{"five days late", "01/01/2025", "20/01/2025", 10},
		{"same day", "2025-03-01", "2025-03-01", 0},
		{"across leap day", "2024-02-20", "2024-03-10", 10},
		{"across year end", "2024-12-25", "2025-01-15", 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			borrow, err := ParseDate(tt.borrow)
			require.NoError(t, err)
			ret, err := ParseDate(tt.ret)
			require.NoError(t, err)
			assert.Equal(t, tt.want, DefaultFinePolicy().Fine(borrow, ret))
		})
	}
}

func TestFineNeverNegative(t *testing.T) {
	assert.Zero(t, Fine(date(2025, 1, 20), date(2025, 1, 1), DefaultGraceDays, DefaultFinePerDay))
	assert.Equal(t, 3.0, Fine(date(2025, 1, 1), date(2025, 1, 4), 0, 1))
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 9, DaysBetween(date(2025, 1, 1), date(2025, 1, 10)))
	assert.Equal(t, 29, DaysBetween(date(2024, 2, 1), date(2024, 3, 1)))
	assert.Equal(t, 365, DaysBetween(date(2025, 1, 1), date(2026, 1, 1)))
	assert.Equal(t, -1, DaysBetween(date(2025, 1, 2), date(2025, 1, 1)))
}

func TestDueDate(t *testing.T) {
	assert.Equal(t, date(2025, 1, 15), DefaultFinePolicy().DueDate(date(2025, 1, 1)))
	assert.Equal(t, date(2025, 3, 14), DefaultFinePolicy().DueDate(date(2025, 2, 28)))
}

func TestParseDate(t *testing.T) {
	valid := map[string]struct{ y, m, d int }{
		"2025-01-20":   {2025, 1, 20},
		"20/01/2025":   {2025, 1, 20},
		" 2024-02-29 ": {2024, 2, 29},
		"29/02/2024":   {2024, 2, 29},
		"01/01/1900":   {1900, 1, 1},
	}
	for in, want := range valid {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, date(want.y, want.m, want.d), got, in)
	}

	invalid := []string{
		"",
		"yesterday",
		"2025/01/20",
		"2025-13-01",
		"2025-02-29",
		"31/04/2025",
		"1/1/2025",
		"31/12/1899",
		"2025-1-5",
	}
	for _, in := range invalid {
		_, err := ParseDate(in)
		assert.ErrorIs(t, err, ErrInvalidDate, in)
	}
}

func TestTodayUsesLocation(t *testing.T) {
	now := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*60*60)

	assert.Equal(t, date(2025, 1, 1), Today(now, time.UTC))
	assert.Equal(t, date(2025, 1, 2), Today(now, tokyo))
}
