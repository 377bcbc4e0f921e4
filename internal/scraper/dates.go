package scraper

import (
	"time"

	"dawnarchive/pkg/types"
)

const (
	// TimezoneName anchors the logical calendar.
	TimezoneName = "Asia/Karachi"
	// YearOffset shifts logical today into the past.
	YearOffset = 12
)

var karachi = loadZone()

func loadZone() *time.Location {
	loc, err := time.LoadLocation(TimezoneName)
	if err != nil {
		// Pakistan has kept UTC+5 without DST since 2009.
		return time.FixedZone("PKT", 5*60*60)
	}
	return loc
}

// LogicalToday converts now to the archive calendar: the date in
// Asia/Karachi, YearOffset years earlier.
func LogicalToday(now time.Time) string {
	return now.In(karachi).AddDate(-YearOffset, 0, 0).Format(types.DateLayout)
}

// NextDate returns the calendar date after date.
func NextDate(date string) (string, error) {
	t, err := time.Parse(types.DateLayout, date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, 1).Format(types.DateLayout), nil
}
