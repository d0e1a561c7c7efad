package util

import "time"

// USHolidays returns the NYSE full-day closures for a year, with weekend
// dates moved to their observed weekday.
func USHolidays(year int) []time.Time {
	holidays := make([]time.Time, 0, 10)

	// New Year's Day. A Saturday holiday is not observed on the preceding
	// Friday because that would fall in the previous year.
	newYear := date(year, time.January, 1)
	if newYear.Weekday() != time.Saturday {
		holidays = append(holidays, observed(newYear))
	}

	holidays = append(holidays,
		nthWeekday(year, time.January, time.Monday, 3),  // Martin Luther King Jr. Day
		nthWeekday(year, time.February, time.Monday, 3), // Washington's Birthday
		easter(year).AddDate(0, 0, -2),                  // Good Friday
		lastWeekday(year, time.May, time.Monday),        // Memorial Day
	)

	if year >= 2022 {
		holidays = append(holidays, observed(date(year, time.June, 19)))
	}

	holidays = append(holidays,
		observed(date(year, time.July, 4)),
		nthWeekday(year, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4), // Thanksgiving
		observed(date(year, time.December, 25)),
	)

	return holidays
}

// USEarlyCloses returns the NYSE 13:00 early-close days for a year: the eve
// of Independence Day, the day after Thanksgiving and Christmas Eve, each
// only when it is a trading day.
func USEarlyCloses(year int) []time.Time {
	var closes []time.Time

	july3 := date(year, time.July, 3)
	if isWeekday(july3) && date(year, time.July, 4).Weekday() != time.Saturday {
		closes = append(closes, july3)
	}

	closes = append(closes, nthWeekday(year, time.November, time.Thursday, 4).AddDate(0, 0, 1))

	xmasEve := date(year, time.December, 24)
	if isWeekday(xmasEve) && date(year, time.December, 25).Weekday() != time.Saturday {
		closes = append(closes, xmasEve)
	}

	return closes
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func isWeekday(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

// observed moves Saturday holidays to Friday and Sunday holidays to Monday.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := date(year, month, 1)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	last := date(year, month+1, 0)
	offset := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// easter returns Gregorian Easter Sunday (anonymous computus).
func easter(year int) time.Time {
	a := year % 19
	b, c := year/100, year%100
	d, e := b/4, b%4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i, k := c/4, c%4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	n := h + l - 7*m + 114
	return date(year, time.Month(n/31), n%31+1)
}
