package parsers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var genericDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006/01/02",
	"20060102",
	"02.01.2006",
	"02.01.06",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2-Jan-06",
}

// parseDate reads a date, trying month/day/year first and falling back to
// day/month/year when the month is out of range, then generic layouts.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if parts := splitDate(s); parts != nil {
		// Dotted dates are day first in every locale that uses them.
		if strings.Contains(s, ".") {
			parts[0], parts[1] = parts[1], parts[0]
		}
		if t, ok := numericDate(parts); ok {
			return t, nil
		}
	}

	for _, layout := range genericDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// splitDate splits "3/15/24", "03-15-2024" or "3/15'24" into three numeric
// fields. ISO dates (year first) are left to the generic layouts.
func splitDate(s string) []int {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '-' || r == '.' || r == '\''
	})
	if len(fields) != 3 || len(fields[0]) > 2 {
		return nil
	}
	parts := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil
		}
		parts[i] = n
	}
	return parts
}

func numericDate(parts []int) (time.Time, bool) {
	month, day, year := parts[0], parts[1], expandYear(parts[2])
	if month > 12 {
		month, day = day, month
	}
	return validDate(year, month, day)
}

// expandYear maps two-digit years: above 50 is the 1900s, otherwise the 2000s
func expandYear(y int) int {
	if y >= 100 {
		return y
	}
	if y > 50 {
		return 1900 + y
	}
	return 2000 + y
}

func validDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

// parseStamp reads OFX-style 8-digit (day) or 14-digit (day+time) stamps,
// ignoring fractional seconds and a trailing [offset:TZ] suffix.
func parseStamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".["); i >= 0 {
		s = s[:i]
	}
	switch len(s) {
	case 14:
		t, err := time.Parse("20060102150405", s)
		if err != nil {
			return time.Time{}, err
		}
		return dateOnly(t), nil
	case 8:
		return time.Parse("20060102", s)
	case 12:
		t, err := time.Parse("200601021504", s)
		if err != nil {
			return time.Time{}, err
		}
		return dateOnly(t), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date stamp %q", s)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
