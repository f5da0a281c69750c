// Package ticker validates the user-supplied selection inputs of a session:
// stock symbols, calendar dates and times of day.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atmx/timemachine/internal/model"
)

// symbolRegex matches exchange tickers such as AAPL, BRK.B or RDS-A.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// clockRegex matches a 24-hour HH:MM time of day.
var clockRegex = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

var (
	ErrInvalidSymbol = errors.New("ticker: invalid symbol")
	ErrInvalidDate   = errors.New("ticker: invalid date")
	ErrInvalidClock  = errors.New("ticker: invalid time of day")
)

// NormalizeSymbol upper-cases and trims a symbol and checks its shape.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q (expected 1-10 chars, A-Z 0-9 . -)", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// ParseDate parses a YYYY-MM-DD calendar date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidDate, s)
	}
	return t, nil
}

// ParseClock validates an HH:MM time of day and returns it unchanged.
func ParseClock(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !clockRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected HH:MM)", ErrInvalidClock, s)
	}
	return s, nil
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

// Window returns the inclusive [start, end] range of `days` calendar days
// ending at date.
func Window(date time.Time, days int) (time.Time, time.Time) {
	end := truncateDay(date)
	return end.AddDate(0, 0, -days), end
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
