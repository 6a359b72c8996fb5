package domain

import "time"

// Session is the current U.S. equity trading session.
type Session string

const (
	SessionPremarket  Session = "premarket"
	SessionRegular    Session = "regular"
	SessionAfterhours Session = "afterhours"
	SessionClosed     Session = "closed"
)

// Clock abstracts wall time so session logic is testable.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

var eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Zoneinfo is embedded via the tzdata fallback on stripped
		// systems; a fixed offset keeps session math sane if not.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// SessionAt derives the trading session for t. Weekends are closed;
// premarket 04:00-09:30 ET, regular 09:30-16:00, afterhours 16:00-20:00.
func SessionAt(t time.Time) Session {
	et := t.In(eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	mins := et.Hour()*60 + et.Minute()
	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return SessionPremarket
	case mins >= 9*60+30 && mins < 16*60:
		return SessionRegular
	case mins >= 16*60 && mins < 20*60:
		return SessionAfterhours
	default:
		return SessionClosed
	}
}

// BusinessHoursBefore walks back n business hours from t, skipping
// weekends. Used for cache staleness windows quoted in business hours.
func BusinessHoursBefore(t time.Time, n int) time.Time {
	cur := t
	remaining := n
	for remaining > 0 {
		cur = cur.Add(-time.Hour)
		wd := cur.In(eastern).Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		remaining--
	}
	return cur
}
