package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseable marks input no rule matched. Callers turn it into a
// speakable clarification prompt.
var ErrUnparseable = errors.New("timeparse: unparseable")

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var (
	clockRe   = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?$`)
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dmyRe     = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})(?:[/-](\d{2,4}))?$`)
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.Join(strings.Fields(s), " ")))
}

// Date resolves a spoken date phrase to a calendar day in the clinic's
// timezone. Relative phrases resolve against now; "next monday" is the
// monday of next week even when today is sunday.
func Date(phrase string, now time.Time, tz *time.Location) (time.Time, error) {
	p := normalize(phrase)
	if p == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrUnparseable)
	}
	local := now.In(tz)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tz)

	switch p {
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	case "day after tomorrow", "the day after tomorrow":
		return today.AddDate(0, 0, 2), nil
	}

	if isoDateRe.MatchString(p) {
		d, err := time.ParseInLocation("2006-01-02", p, tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
		}
		return d, nil
	}

	if m := dmyRe.FindStringSubmatch(p); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year := today.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
			if year < 100 {
				year += 2000
			}
		}
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
		}
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, tz)
		if d.Day() != day {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
		}
		// A bare day/month in the past means the next occurrence.
		if m[3] == "" && d.Before(today) {
			d = d.AddDate(1, 0, 0)
		}
		return d, nil
	}

	next := strings.HasPrefix(p, "next ")
	name := strings.TrimPrefix(strings.TrimPrefix(p, "next "), "this ")
	if wd, ok := weekdays[name]; ok {
		days := (int(wd) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		d := today.AddDate(0, 0, days)
		// "next friday" said on a wednesday skips the coming friday,
		// but "next monday" already lands in next week. Skip a week
		// only when the coming occurrence is still inside the current
		// monday-based week.
		daysLeftInWeek := 7 - (int(today.Weekday())+6)%7
		if next && days < daysLeftInWeek {
			d = d.AddDate(0, 0, 7)
		}
		return d, nil
	}

	// "august 30", "30 august", "30th of august"
	if d, ok := parseMonthDay(p, today, tz); ok {
		return d, nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

func parseMonthDay(p string, today time.Time, tz *time.Location) (time.Time, bool) {
	fields := strings.Fields(strings.NewReplacer("the ", "", " of ", " ").Replace(p))
	if len(fields) != 2 {
		return time.Time{}, false
	}
	var month time.Month
	var dayStr string
	if m, ok := months[fields[0]]; ok {
		month, dayStr = m, fields[1]
	} else if m, ok := months[fields[1]]; ok {
		month, dayStr = m, fields[0]
	} else {
		return time.Time{}, false
	}
	dayStr = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(dayStr, "st"), "nd"), "rd"), "th")
	day, err := strconv.Atoi(dayStr)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(today.Year(), month, day, 0, 0, 0, 0, tz)
	if d.Day() != day {
		return time.Time{}, false
	}
	if d.Before(today) {
		d = d.AddDate(1, 0, 0)
	}
	return d, true
}

// TimeOfDay resolves a spoken time to hour and minute. "2" with no
// meridiem is read as a business hour: 2pm, not 2am.
func TimeOfDay(phrase string) (hour, minute int, err error) {
	p := normalize(phrase)
	p = strings.TrimSuffix(p, " o'clock")
	p = strings.TrimSuffix(p, " oclock")

	switch p {
	case "noon", "midday", "12 noon":
		return 12, 0, nil
	case "midnight":
		return 0, 0, nil
	}

	m := clockRe.FindStringSubmatch(p)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
	}

	meridiem := strings.ReplaceAll(m[3], ".", "")
	switch meridiem {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	default:
		// No meridiem and a 24h-style hour stands as given; otherwise
		// assume business hours.
		if hour >= 1 && hour <= 7 {
			hour += 12
		}
	}
	if hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, phrase)
	}
	return hour, minute, nil
}

// At combines a parsed date and time-of-day into an instant in tz.
func At(date time.Time, hour, minute int, tz *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, tz)
}
