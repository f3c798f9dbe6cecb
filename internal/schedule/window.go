package schedule

import (
	"fmt"
	"time"
)

// maxWindowSearchDays bounds the forward search in NextAllowed.
const maxWindowSearchDays = 365

// DaySchedule is a per-weekday override of the blanket sending window.
// When present for a weekday it applies atomically: a disabled day is fully
// closed even if the weekday is in AllowedDays.
type DaySchedule struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	StartTime string `yaml:"start_time" json:"start_time"` // HH:MM
	EndTime   string `yaml:"end_time" json:"end_time"`     // HH:MM
}

// Config describes one organization's sending rules: daily quota, randomized
// spacing bounds and the time-of-day/day-of-week window.
type Config struct {
	DailyLimit       int                 `yaml:"daily_limit" json:"daily_limit"`
	MinGapMinutes    int                 `yaml:"min_gap_minutes" json:"min_gap_minutes"`
	MaxGapMinutes    int                 `yaml:"max_gap_minutes" json:"max_gap_minutes"`
	Timezone         string              `yaml:"timezone" json:"timezone"`
	AllowedDays      []int               `yaml:"allowed_days" json:"allowed_days"` // weekday indices, 0 = Sunday
	AllowedStartTime string              `yaml:"allowed_start_time" json:"allowed_start_time"`
	AllowedEndTime   string              `yaml:"allowed_end_time" json:"allowed_end_time"`
	DailySchedules   map[int]DaySchedule `yaml:"daily_schedules,omitempty" json:"daily_schedules,omitempty"`

	loc *time.Location
}

// Validate checks the config and caches the parsed timezone. It must be
// called before the config is used for window evaluation.
func (c *Config) Validate() error {
	if c.DailyLimit <= 0 {
		return fmt.Errorf("daily_limit must be positive, got %d", c.DailyLimit)
	}
	if c.MinGapMinutes < 0 || c.MaxGapMinutes < 0 {
		return fmt.Errorf("gap minutes must not be negative")
	}
	if c.MinGapMinutes > c.MaxGapMinutes {
		return fmt.Errorf("min_gap_minutes (%d) must not exceed max_gap_minutes (%d)", c.MinGapMinutes, c.MaxGapMinutes)
	}

	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.loc = loc

	for _, d := range c.AllowedDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("invalid weekday index %d in allowed_days", d)
		}
	}

	start, err := parseClock(c.AllowedStartTime)
	if err != nil {
		return fmt.Errorf("invalid allowed_start_time: %w", err)
	}
	end, err := parseClock(c.AllowedEndTime)
	if err != nil {
		return fmt.Errorf("invalid allowed_end_time: %w", err)
	}
	if start > end {
		return fmt.Errorf("allowed_start_time %s is after allowed_end_time %s", c.AllowedStartTime, c.AllowedEndTime)
	}

	for day, ds := range c.DailySchedules {
		if day < 0 || day > 6 {
			return fmt.Errorf("invalid weekday index %d in daily_schedules", day)
		}
		if !ds.Enabled {
			continue
		}
		s, err := parseClock(ds.StartTime)
		if err != nil {
			return fmt.Errorf("invalid start_time for weekday %d: %w", day, err)
		}
		e, err := parseClock(ds.EndTime)
		if err != nil {
			return fmt.Errorf("invalid end_time for weekday %d: %w", day, err)
		}
		if s > e {
			return fmt.Errorf("start_time is after end_time for weekday %d", day)
		}
	}

	return nil
}

// Location returns the parsed timezone. Validate must have succeeded.
func (c *Config) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	return time.UTC
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time out of range: %q", s)
	}
	return h*60 + m, nil
}

// windowFor returns the effective sending window for a weekday as inclusive
// minutes from midnight, or ok=false when the day is closed.
func (c *Config) windowFor(weekday int) (startMin, endMin int, ok bool) {
	if ds, exists := c.DailySchedules[weekday]; exists {
		if !ds.Enabled {
			return 0, 0, false
		}
		s, err1 := parseClock(ds.StartTime)
		e, err2 := parseClock(ds.EndTime)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return s, e, true
	}

	allowed := false
	for _, d := range c.AllowedDays {
		if d == weekday {
			allowed = true
			break
		}
	}
	if !allowed {
		return 0, 0, false
	}

	s, err1 := parseClock(c.AllowedStartTime)
	e, err2 := parseClock(c.AllowedEndTime)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e, true
}

// IsAllowed reports whether the instant falls inside the sending window,
// evaluated in the config's timezone.
func IsAllowed(t time.Time, cfg *Config) bool {
	lt := t.In(cfg.Location())
	start, end, ok := cfg.windowFor(int(lt.Weekday()))
	if !ok {
		return false
	}
	minutes := lt.Hour()*60 + lt.Minute()
	return minutes >= start && minutes <= end
}

// NextAllowed returns the earliest instant at or after t that is inside the
// sending window, or ok=false when no day within the search horizon is
// enabled. The instant is constructed from wall-clock components in the
// config's timezone, so DST transitions do not shift the window start.
func NextAllowed(t time.Time, cfg *Config) (time.Time, bool) {
	if IsAllowed(t, cfg) {
		return t, true
	}

	loc := cfg.Location()
	lt := t.In(loc)

	for d := 0; d <= maxWindowSearchDays; d++ {
		day := time.Date(lt.Year(), lt.Month(), lt.Day()+d, 0, 0, 0, 0, loc)
		start, _, ok := cfg.windowFor(int(day.Weekday()))
		if !ok {
			continue
		}

		candidate := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, loc)
		if candidate.Before(t) {
			continue
		}
		// Re-check in case a DST transition moved the constructed instant
		// outside the window.
		if IsAllowed(candidate, cfg) {
			return candidate, true
		}
	}

	return time.Time{}, false
}
