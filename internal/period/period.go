// Package period models the time slots the archive is keyed by: a
// contiguous interval plus its timezone, nominal duration, and DST marker.
package period

import (
	"fmt"
	"time"
)

// Granularity is the nominal slot size.
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
	Custom  Granularity = "custom"
)

// DSTTransition marks a daylight-saving boundary inside a period.
type DSTTransition string

const (
	DSTNone          DSTTransition = "none"
	DSTSpringForward DSTTransition = "spring_forward"
	DSTFallBack      DSTTransition = "fall_back"
)

// Period is a half-open interval [Start, End) in a named timezone.
// NominalHours is the slot size ignoring DST (24 daily, 168 weekly,
// 720 monthly); ActualHours reflects the wall-clock duration.
type Period struct {
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Timezone     string        `json:"timezone"`
	NominalHours int           `json:"duration_hours"`
	DST          DSTTransition `json:"dst_transition,omitempty"`
	Granularity  Granularity   `json:"granularity"`
}

// ActualHours returns the wall-clock length of the period in hours.
func (p Period) ActualHours() float64 {
	return p.End.Sub(p.Start).Hours()
}

// Date returns the period's identity date (the start date in its zone),
// formatted YYYY-MM-DD.
func (p Period) Date() string {
	return p.Start.Format("2006-01-02")
}

// Name derives the artifact base name for this period.
func (p Period) Name() string {
	switch {
	case p.NominalHours <= 24:
		return p.Start.Format("2006-01-02") + "_daily"
	case p.NominalHours <= 168:
		y, w := p.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d_weekly", y, w)
	case p.NominalHours <= 744:
		return p.Start.Format("2006-01") + "_monthly"
	default:
		return p.Start.Format("2006-01-02") + "_to_" + p.End.AddDate(0, 0, -1).Format("2006-01-02")
	}
}

// YearMonth returns the YYYY/MM path segments for the period's start.
func (p Period) YearMonth() (string, string) {
	return p.Start.Format("2006"), p.Start.Format("01")
}

// ForDay builds the daily period covering a calendar date in loc. The
// duration is 23, 24 or 25 hours across DST boundaries and the marker is
// set accordingly.
func ForDay(year int, month time.Month, day int, loc *time.Location) Period {
	start := time.Date(year, month, day, 0, 0, 0, 0, loc)
	end := time.Date(year, month, day+1, 0, 0, 0, 0, loc)

	p := Period{
		Start:        start,
		End:          end,
		Timezone:     loc.String(),
		NominalHours: 24,
		DST:          DSTNone,
		Granularity:  Daily,
	}
	switch h := end.Sub(start).Hours(); {
	case h < 24:
		p.DST = DSTSpringForward
	case h > 24:
		p.DST = DSTFallBack
	}
	return p
}

// ForRange builds a custom period spanning [startDay, endDay] inclusive.
func ForRange(start, end time.Time, loc *time.Location) Period {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	e := time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, loc)
	hours := int(e.Sub(s).Hours())

	g := Custom
	nominal := hours
	switch {
	case hours <= 25:
		g, nominal = Daily, 24
	case hours <= 169:
		g, nominal = Weekly, 168
	case hours <= 745:
		g, nominal = Monthly, 720
	}

	return Period{
		Start:        s,
		End:          e,
		Timezone:     loc.String(),
		NominalHours: nominal,
		DST:          DSTNone,
		Granularity:  g,
	}
}

// Expand produces the ordered period list for [start, end] (inclusive
// calendar dates) at the given granularity.
//
// Daily yields one period per date. Weekly periods end on the nearest ISO
// Sunday (or the range end), so the first week may be partial. Monthly
// periods run to the last day of the calendar month (or the range end).
func Expand(start, end time.Time, g Granularity, loc *time.Location) []Period {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	if end.Before(start) {
		return nil
	}

	var out []Period
	switch g {
	case Weekly:
		cur := start
		for !cur.After(end) {
			pEnd := nextSunday(cur)
			if pEnd.After(end) {
				pEnd = end
			}
			p := ForRange(cur, pEnd, loc)
			p.Granularity = Weekly
			p.NominalHours = 168
			out = append(out, p)
			cur = pEnd.AddDate(0, 0, 1)
		}
	case Monthly:
		cur := start
		for !cur.After(end) {
			pEnd := endOfMonth(cur)
			if pEnd.After(end) {
				pEnd = end
			}
			p := ForRange(cur, pEnd, loc)
			p.Granularity = Monthly
			p.NominalHours = 720
			out = append(out, p)
			pEnd = endOfMonth(cur)
			cur = pEnd.AddDate(0, 0, 1)
		}
	default:
		for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
			out = append(out, ForDay(cur.Year(), cur.Month(), cur.Day(), loc))
		}
	}
	return out
}

// DatesBetween lists every calendar date in [start, end] as YYYY-MM-DD.
func DatesBetween(start, end time.Time) []string {
	start = truncateDay(start)
	end = truncateDay(end)
	var out []string
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		out = append(out, cur.Format("2006-01-02"))
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func nextSunday(t time.Time) time.Time {
	d := int(time.Sunday - t.Weekday())
	if d < 0 {
		d += 7
	}
	return t.AddDate(0, 0, d)
}

func endOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.AddDate(0, 0, -1)
}
