package task

import (
	"regexp"
	"strings"
	"time"
)

// cityOffset maps a location substring to its UTC offset in hours.
//
// The table is deliberately coarse and non-exhaustive; matching is
// case-insensitive substring containment against the lower-cased city
// label, first match wins, declaration order breaks ties. An unmatched
// city means no offset is applied (the value is assumed already local).
//
// Do not reorder or "complete" this table: downstream consumers rely on
// the exact resolution the production CRM feed was tuned against.
var cityOffsets = []struct {
	substr string
	hours  int
}{
	{"калининград", 2},
	{"москва", 3},
	{"московская область", 3},
	{"самара", 4},
	{"екатеринбург", 5},
	{"свердловская область", 5},
	{"омск", 6},
	{"красноярск", 7},
	{"иркутск", 8},
	{"якутск", 9},
	{"владивосток", 10},
	{"магадан", 11},
	{"петропавловск-камчатский", 12},
}

// UTCOffsetHours resolves the city label to a UTC offset.
// ok is false when the city is unknown.
func UTCOffsetHours(city string) (hours int, ok bool) {
	name := strings.ToLower(strings.TrimSpace(city))
	if name == "" {
		return 0, false
	}
	for _, m := range cityOffsets {
		if strings.Contains(name, m.substr) {
			return m.hours, true
		}
	}
	return 0, false
}

var (
	reDateTime  = regexp.MustCompile(`(\d{1,2}\.\d{1,2}\.\d{2,4})\s+(\d{1,2}:\d{2})`)
	reDate      = regexp.MustCompile(`\d{1,2}\.\d{1,2}\.\d{2,4}`)
	reTime      = regexp.MustCompile(`\d{1,2}:\d{2}`)
	reTitleTime = regexp.MustCompile(`Назначено в:\s*(\d{1,2}:\d{2})`)
)

const scheduleFormat = "2006-01-02 15:04"

// dateTimeFormats covers 2- and 4-digit years as the CRM renders both.
var dateTimeFormats = []string{"2.1.2006 15:04", "2.1.06 15:04"}

// ResolveSchedule turns a raw schedule cell into "YYYY-MM-DD HH:MM" local time.
//
// Extraction strategies in order, each tried until one yields both a date
// and a time:
//  1. A visible "DD.MM.YYYY HH:MM" in the cell text. Already local; used
//     as-is with no offset.
//  2. A UTC time in the span title ("Назначено в: HH:MM") combined with a
//     date found in the cell text, or with today's date when none is
//     present. The city's UTC offset is added (rolling the date across
//     midnight when needed).
//  3. A bare "HH:MM" in the cell text combined with a date in the same
//     text. No offset (assumed already local).
//
// ok is false when no strategy produced a timestamp. Pure function: now
// supplies "today" for the title fallback.
func ResolveSchedule(cellText, titleAttr, city string, now time.Time) (string, bool) {
	if m := reDateTime.FindStringSubmatch(cellText); m != nil {
		if dt, err := parseDayMonth(m[1] + " " + m[2]); err == nil {
			return dt.Format(scheduleFormat), true
		}
	}

	if m := reTitleTime.FindStringSubmatch(titleAttr); m != nil {
		dateStr := reDate.FindString(cellText)
		if dateStr == "" {
			dateStr = now.Format("2.1.2006")
		}
		if dt, err := parseDayMonth(dateStr + " " + m[1]); err == nil {
			if hours, ok := UTCOffsetHours(city); ok {
				dt = dt.Add(time.Duration(hours) * time.Hour)
			}
			return dt.Format(scheduleFormat), true
		}
	}

	if timeStr := reTime.FindString(cellText); timeStr != "" {
		if dateStr := reDate.FindString(cellText); dateStr != "" {
			if dt, err := parseDayMonth(dateStr + " " + timeStr); err == nil {
				return dt.Format(scheduleFormat), true
			}
		}
	}

	return "", false
}

func parseDayMonth(s string) (time.Time, error) {
	var firstErr error
	for _, f := range dateTimeFormats {
		dt, err := time.Parse(f, s)
		if err == nil {
			return dt, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
