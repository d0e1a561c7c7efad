package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/domain"
)

const (
	dateLayout = "2006-01-02"

	// earlyCloseMinute is the local close time (13:00) on early-close days.
	earlyCloseMinute = 13 * 60

	// maxLookaheadDays bounds the forward walk for the next session.
	maxLookaheadDays = 400
)

// Phase names the trading session a moment falls into.
type Phase string

const (
	PhaseOpen       Phase = "open"
	PhasePreMarket  Phase = "pre-market"
	PhaseAfterHours Phase = "after-hours"
	PhaseClosed     Phase = "closed"
)

// Window is an optional extended-hours session.
type Window struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Open    string `yaml:"open" json:"open"`
	Close   string `yaml:"close" json:"close"`
}

// Schedule describes when a market trades. Times are local wall-clock
// "HH:MM" strings in Timezone; dates are "YYYY-MM-DD".
type Schedule struct {
	Timezone    string   `yaml:"timezone" json:"timezone"`
	Open        string   `yaml:"open" json:"open"`
	Close       string   `yaml:"close" json:"close"`
	PreMarket   Window   `yaml:"pre_market" json:"pre_market"`
	AfterHours  Window   `yaml:"after_hours" json:"after_hours"`
	Holidays    []string `yaml:"holidays" json:"holidays,omitempty"`
	EarlyCloses []string `yaml:"early_closes" json:"early_closes,omitempty"`

	// HolidayYears adds the generated NYSE holidays and early closes for
	// each listed year on top of the explicit sets.
	HolidayYears []int `yaml:"holiday_years" json:"holiday_years,omitempty"`
}

// DefaultUSSchedule returns regular NYSE hours with extended sessions
// disabled.
func DefaultUSSchedule() Schedule {
	return Schedule{
		Timezone:   "America/New_York",
		Open:       "09:30",
		Close:      "16:00",
		PreMarket:  Window{Open: "04:00", Close: "09:30"},
		AfterHours: Window{Open: "16:00", Close: "20:00"},
	}
}

// MarketStatus is the gate's answer for one instant.
type MarketStatus struct {
	IsOpen    bool      `json:"is_open"`
	Phase     Phase     `json:"phase"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type session struct {
	open, close int // minutes after local midnight
}

func (s session) contains(minute int) bool {
	return minute >= s.open && minute < s.close
}

// TradingCalendar provides market-hours awareness for one schedule. It is
// immutable after construction and safe for concurrent use.
type TradingCalendar struct {
	loc         *time.Location
	regular     session
	preMarket   *session
	afterHours  *session
	holidays    map[string]bool
	earlyCloses map[string]bool
}

// NewTradingCalendar validates the schedule and builds a calendar from it.
func NewTradingCalendar(s Schedule) (*TradingCalendar, error) {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	regular, err := parseSession(s.Open, s.Close)
	if err != nil {
		return nil, fmt.Errorf("regular session: %w", err)
	}

	tc := &TradingCalendar{
		loc:         loc,
		regular:     regular,
		holidays:    make(map[string]bool),
		earlyCloses: make(map[string]bool),
	}

	if s.PreMarket.Enabled {
		pre, err := parseSession(s.PreMarket.Open, s.PreMarket.Close)
		if err != nil {
			return nil, fmt.Errorf("pre-market session: %w", err)
		}
		tc.preMarket = &pre
	}
	if s.AfterHours.Enabled {
		after, err := parseSession(s.AfterHours.Open, s.AfterHours.Close)
		if err != nil {
			return nil, fmt.Errorf("after-hours session: %w", err)
		}
		tc.afterHours = &after
	}

	for _, d := range s.Holidays {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		tc.holidays[d] = true
	}
	for _, d := range s.EarlyCloses {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("early close %q: %w", d, err)
		}
		tc.earlyCloses[d] = true
	}
	for _, year := range s.HolidayYears {
		for _, h := range USHolidays(year) {
			tc.holidays[h.Format(dateLayout)] = true
		}
		for _, e := range USEarlyCloses(year) {
			tc.earlyCloses[e.Format(dateLayout)] = true
		}
	}

	return tc, nil
}

// CalendarStatus is the pure form of TradingCalendar.Status for callers that
// hold only a schedule.
func CalendarStatus(now time.Time, s Schedule) (MarketStatus, error) {
	tc, err := NewTradingCalendar(s)
	if err != nil {
		return MarketStatus{}, err
	}
	return tc.Status(now), nil
}

// Location returns the calendar's timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Status reports the session phase at now together with the next regular
// open and close.
func (tc *TradingCalendar) Status(now time.Time) MarketStatus {
	local := now.In(tc.loc)
	st := MarketStatus{
		Phase:     PhaseClosed,
		NextOpen:  tc.NextOpen(now),
		NextClose: tc.NextClose(now),
	}
	if !tc.IsTradingDay(local) {
		return st
	}

	minute := local.Hour()*60 + local.Minute()
	regular := session{open: tc.regular.open, close: tc.closeMinute(local)}

	switch {
	case regular.contains(minute):
		st.Phase = PhaseOpen
	case tc.preMarket != nil && tc.preMarket.contains(minute):
		st.Phase = PhasePreMarket
	case tc.afterHours != nil && tc.afterHours.contains(minute) && minute >= regular.close:
		st.Phase = PhaseAfterHours
	}
	st.IsOpen = st.Phase != PhaseClosed
	return st
}

// IsMarketOpen returns whether trading is permitted at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.Status(t).IsOpen
}

// IsTradingDay reports whether the local date of t is neither a weekend nor
// a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[local.Format(dateLayout)]
}

// IsEarlyClose reports whether the local date of t closes at 13:00.
func (tc *TradingCalendar) IsEarlyClose(t time.Time) bool {
	return tc.earlyCloses[t.In(tc.loc).Format(dateLayout)]
}

// SameTradingDay reports whether a and b fall on the same local date.
func (tc *TradingCalendar) SameTradingDay(a, b time.Time) bool {
	return a.In(tc.loc).Format(dateLayout) == b.In(tc.loc).Format(dateLayout)
}

// NextOpen returns the first regular-session open strictly after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < maxLookaheadDays; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, tc.loc)
		if !tc.IsTradingDay(day) {
			continue
		}
		open := tc.at(day, tc.regular.open)
		if open.After(local) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the first regular-session close strictly after t,
// honouring early closes.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < maxLookaheadDays; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, tc.loc)
		if !tc.IsTradingDay(day) {
			continue
		}
		closeAt := tc.at(day, tc.closeMinute(day))
		if closeAt.After(local) {
			return closeAt
		}
	}
	return time.Time{}
}

// ValidateTradingHours checks the gate at now. When the market is closed it
// returns ErrMarketClosed in strict mode and (false, nil) otherwise.
func (tc *TradingCalendar) ValidateTradingHours(now time.Time, strict bool) (bool, error) {
	st := tc.Status(now)
	if st.IsOpen {
		return true, nil
	}
	if strict {
		return false, fmt.Errorf("%w: next open %s", domain.ErrMarketClosed, st.NextOpen.Format(time.RFC3339))
	}
	return false, nil
}

func (tc *TradingCalendar) closeMinute(day time.Time) int {
	if tc.IsEarlyClose(day) && earlyCloseMinute < tc.regular.close {
		return earlyCloseMinute
	}
	return tc.regular.close
}

func (tc *TradingCalendar) at(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, tc.loc)
}

func parseSession(open, close string) (session, error) {
	o, err := parseClock(open)
	if err != nil {
		return session{}, err
	}
	c, err := parseClock(close)
	if err != nil {
		return session{}, err
	}
	if o >= c {
		return session{}, fmt.Errorf("open %s must be before close %s", open, close)
	}
	return session{open: o, close: c}, nil
}

// parseClock converts "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
