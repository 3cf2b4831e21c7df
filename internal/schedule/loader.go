package schedule

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

type periodFile struct {
	Zone     string     `yaml:"zone"`
	Name     string     `yaml:"name"`
	Start    string     `yaml:"start"`
	End      string     `yaml:"end"`
	Days     string     `yaml:"days"`
	From     *time.Time `yaml:"from"`
	Until    *time.Time `yaml:"until"`
	Setpoint *float64   `yaml:"setpoint"`
	Delta    float64    `yaml:"delta"`
}

type scheduleFile struct {
	Periods []periodFile `yaml:"periods"`
}

// LoadFile reads schedule periods from a YAML file. Definition order is file order.
func LoadFile(path string) ([]model.SchedulePeriod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]model.SchedulePeriod, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}

	periods := make([]model.SchedulePeriod, 0, len(f.Periods))
	for i, pf := range f.Periods {
		if pf.Zone == "" {
			return nil, fmt.Errorf("period %d: zone is required", i)
		}
		start, err := ParseTimeOfDay(pf.Start)
		if err != nil {
			return nil, fmt.Errorf("period %d (%s): start: %w", i, pf.Name, err)
		}
		end, err := ParseTimeOfDay(pf.End)
		if err != nil {
			return nil, fmt.Errorf("period %d (%s): end: %w", i, pf.Name, err)
		}
		days := model.AllDays
		if pf.Days != "" {
			if days, err = ParseDays(pf.Days); err != nil {
				return nil, fmt.Errorf("period %d (%s): %w", i, pf.Name, err)
			}
		}

		periods = append(periods, model.SchedulePeriod{
			ID:       fmt.Sprintf("%s/%d", pf.Zone, i),
			ZoneID:   pf.Zone,
			Name:     pf.Name,
			Start:    start,
			End:      end,
			Days:     days,
			From:     pf.From,
			Until:    pf.Until,
			Setpoint: pf.Setpoint,
			Delta:    pf.Delta,
			Order:    i,
		})
	}
	return periods, nil
}

var timeLayouts = []string{"15:04", "15:04:05", "3:04PM", "3:04 PM", "3PM", "3 PM"}

// ParseTimeOfDay returns the offset from midnight. An empty string is midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("unrecognized time of day %q", s)
}

// ParseDays reads a seven character Monday-first mask such as "MTWTF.." where '.' disables a day.
func ParseDays(s string) (uint8, error) {
	if len(s) != 7 {
		return 0, fmt.Errorf("days must have 7 characters, got %q", s)
	}
	var mask uint8
	for i, c := range s {
		if c != '.' && c != ' ' && c != '_' {
			mask |= 1 << i
		}
	}
	return mask, nil
}
