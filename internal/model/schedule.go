package model

import "time"

// AllDays is the day mask with every weekday enabled. Monday is bit 0.
const AllDays uint8 = 0x7F

// SchedulePeriod is a time-bounded setpoint adjustment for one zone.
// Start and End are offsets from local midnight; End before Start spans midnight.
type SchedulePeriod struct {
	ID       string        `json:"id" yaml:"id"`
	ZoneID   string        `json:"zone_id" yaml:"zone"`
	Name     string        `json:"name" yaml:"name"`
	Start    time.Duration `json:"start" yaml:"-"`
	End      time.Duration `json:"end" yaml:"-"`
	Days     uint8         `json:"days" yaml:"-"`
	From     *time.Time    `json:"from,omitempty" yaml:"from,omitempty"`
	Until    *time.Time    `json:"until,omitempty" yaml:"until,omitempty"`
	Setpoint *float64      `json:"setpoint,omitempty" yaml:"setpoint,omitempty"`
	Delta    float64       `json:"delta,omitempty" yaml:"delta,omitempty"`
	Order    int           `json:"order" yaml:"-"`
}

// Absolute reports whether the period is bounded by calendar dates.
func (p SchedulePeriod) Absolute() bool {
	return p.From != nil || p.Until != nil
}

// Apply returns the setpoint the period yields on top of a zone default.
func (p SchedulePeriod) Apply(defaultSetpoint float64) float64 {
	if p.Setpoint != nil {
		return *p.Setpoint
	}
	return defaultSetpoint + p.Delta
}

// Includes reports whether the period is in effect at the given instant.
func (p SchedulePeriod) Includes(at time.Time) bool {
	if p.From != nil && at.Before(*p.From) {
		return false
	}
	if p.Until != nil && !at.Before(*p.Until) {
		return false
	}

	midnight := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	tod := at.Sub(midnight)
	today := weekdayIndex(at.Weekday())
	yesterday := (today + 6) % 7

	switch {
	case p.Start == p.End:
		return p.dayEnabled(today)
	case p.Start < p.End:
		return p.dayEnabled(today) && tod >= p.Start && tod < p.End
	default:
		if tod >= p.Start {
			return p.dayEnabled(today)
		}
		return tod < p.End && p.dayEnabled(yesterday)
	}
}

// Overlaps reports whether two periods of the same zone can be in effect at the same time.
func (p SchedulePeriod) Overlaps(o SchedulePeriod) bool {
	if p.ZoneID != o.ZoneID {
		return false
	}
	if p.Absolute() || o.Absolute() {
		if !datesOverlap(p, o) {
			return false
		}
	}
	if p.Days&o.Days == 0 && !p.spansMidnight() && !o.spansMidnight() {
		return false
	}
	pw, ow := p.windows(), o.windows()
	for _, a := range pw {
		for _, b := range ow {
			if a.day&b.day != 0 && a.start < b.end && b.start < a.end {
				return true
			}
		}
	}
	return false
}

type window struct {
	day        uint8
	start, end time.Duration
}

// windows splits a period into per-day intervals over a week.
func (p SchedulePeriod) windows() []window {
	day := 24 * time.Hour
	var out []window
	for i := 0; i < 7; i++ {
		bit := uint8(1) << i
		if p.Days&bit == 0 {
			continue
		}
		switch {
		case p.Start == p.End:
			out = append(out, window{bit, 0, day})
		case p.Start < p.End:
			out = append(out, window{bit, p.Start, p.End})
		default:
			next := uint8(1) << ((i + 1) % 7)
			out = append(out, window{bit, p.Start, day}, window{next, 0, p.End})
		}
	}
	return out
}

func (p SchedulePeriod) spansMidnight() bool { return p.End < p.Start }

func (p SchedulePeriod) dayEnabled(idx int) bool {
	return p.Days&(uint8(1)<<idx) != 0
}

func datesOverlap(a, b SchedulePeriod) bool {
	if a.Until != nil && b.From != nil && !b.From.Before(*a.Until) {
		return false
	}
	if b.Until != nil && a.From != nil && !a.From.Before(*b.Until) {
		return false
	}
	return true
}

func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
