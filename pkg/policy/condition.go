package policy

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Hours restricts a conditional grant to a daily time window.
type Hours struct {
	// Start and End are hours of the day, End exclusive.
	Start        int    `json:"start" yaml:"start"`
	End          int    `json:"end" yaml:"end"`
	WeekdaysOnly bool   `json:"weekdays_only,omitempty" yaml:"weekdays_only,omitempty"`
	Timezone     string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// BusinessHours is the 09:00-17:00 Monday to Friday window in UTC.
func BusinessHours() *Hours {
	return &Hours{Start: 9, End: 17, WeekdaysOnly: true}
}

func (h *Hours) location() (*time.Location, error) {
	if h.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(h.Timezone)
}

func (h *Hours) validate() error {
	if h.Start < 0 || h.End > 24 || h.Start >= h.End {
		return fmt.Errorf("invalid hours window %d-%d", h.Start, h.End)
	}
	if _, err := h.location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", h.Timezone, err)
	}
	return nil
}

func (h *Hours) contains(at time.Time) bool {
	loc, err := h.location()
	if err != nil {
		return false
	}
	local := at.In(loc)
	if h.WeekdaysOnly && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	return local.Hour() >= h.Start && local.Hour() < h.End
}

// Condition is the predicate attached to a Conditional permission entry.
// Every configured clause must hold.
type Condition struct {
	Hours        *Hours   `json:"hours,omitempty" yaml:"hours,omitempty"`
	PathPrefixes []string `json:"path_prefixes,omitempty" yaml:"path_prefixes,omitempty"`
}

// Validate rejects empty or malformed conditions.
func (c *Condition) Validate() error {
	if c == nil || (c.Hours == nil && len(c.PathPrefixes) == 0) {
		return fmt.Errorf("condition has no clauses")
	}
	if c.Hours != nil {
		if err := c.Hours.validate(); err != nil {
			return err
		}
	}
	for _, p := range c.PathPrefixes {
		if !path.IsAbs(p) {
			return fmt.Errorf("path prefix %q is not absolute", p)
		}
	}
	return nil
}

// Evaluate reports whether the condition holds at the given time for the
// given path. A path clause never matches an empty path.
func (c *Condition) Evaluate(at time.Time, target string) bool {
	if c == nil {
		return false
	}
	if c.Hours != nil && !c.Hours.contains(at) {
		return false
	}
	if len(c.PathPrefixes) > 0 && !matchesPrefix(c.PathPrefixes, target) {
		return false
	}
	return true
}

func matchesPrefix(prefixes []string, target string) bool {
	if target == "" {
		return false
	}
	clean := path.Clean(target)
	for _, p := range prefixes {
		p = path.Clean(p)
		if clean == p || p == "/" || strings.HasPrefix(clean, p+"/") {
			return true
		}
	}
	return false
}

func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	out := &Condition{PathPrefixes: append([]string(nil), c.PathPrefixes...)}
	if c.Hours != nil {
		h := *c.Hours
		out.Hours = &h
	}
	return out
}
