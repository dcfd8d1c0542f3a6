/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package embargo decides whether a point in time falls inside a window
// during which the bot must not merge. Windows come in two grammars:
//
//	Friday 18:00 - Monday 09:00 UTC
//	cron 0 18 * * 5 for 63h
//
// The first is a weekly interval that may wrap around the week boundary;
// the second opens at every cron activation and stays open for the given
// duration.
package embargo

import (
	"fmt"
	"strings"
	"time"

	cron "gopkg.in/robfig/cron.v2"
)

// Embargo is a union of merge windows.
type Embargo struct {
	intervals []WeeklyInterval
	windows   []CronWindow
}

// Parse builds an Embargo from one entry per string. An empty list yields
// an embargo that never covers anything.
func Parse(entries []string) (*Embargo, error) {
	e := &Embargo{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "cron ") {
			window, err := ParseCronWindow(entry)
			if err != nil {
				return nil, err
			}
			e.windows = append(e.windows, window)
			continue
		}
		interval, err := ParseWeeklyInterval(entry)
		if err != nil {
			return nil, err
		}
		e.intervals = append(e.intervals, interval)
	}
	return e, nil
}

// Covers reports whether any window is open at the given time.
func (e *Embargo) Covers(t time.Time) bool {
	if e == nil {
		return false
	}
	for _, interval := range e.intervals {
		if interval.Covers(t) {
			return true
		}
	}
	for _, window := range e.windows {
		if window.Covers(t) {
			return true
		}
	}
	return false
}

// Empty reports whether the embargo has no windows at all.
func (e *Embargo) Empty() bool {
	return e == nil || (len(e.intervals) == 0 && len(e.windows) == 0)
}

// weekdays indexed Monday=0 the way the interval arithmetic expects.
var weekdays = map[string]int{
	"monday": 0, "mon": 0,
	"tuesday": 1, "tue": 1,
	"wednesday": 2, "wed": 2,
	"thursday": 3, "thu": 3,
	"friday": 4, "fri": 4,
	"saturday": 5, "sat": 5,
	"sunday": 6, "sun": 6,
}

// WeeklyInterval covers the same slice of every week. The invariant is
// from <= to; a wrapping interval such as Fri-Mon is stored as its
// complement (Mon-Fri) with the covers test inverted.
type WeeklyInterval struct {
	fromDay, toDay       int
	fromMinute, toMinute int
	location             *time.Location
	isComplement         bool
}

// ParseWeeklyInterval parses "<day>[@]<HH:MM> - <day>[@]<HH:MM> [zone]".
// The zone applies to both endpoints and defaults to UTC.
func ParseWeeklyInterval(s string) (WeeklyInterval, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return WeeklyInterval{}, fmt.Errorf("weekly interval %q needs a '-' between its endpoints", s)
	}
	fromDay, fromMinute, _, err := parseEndpoint(parts[0])
	if err != nil {
		return WeeklyInterval{}, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	toDay, toMinute, zone, err := parseEndpoint(parts[1])
	if err != nil {
		return WeeklyInterval{}, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	location := time.UTC
	if zone != "" {
		location, err = time.LoadLocation(zone)
		if err != nil {
			return WeeklyInterval{}, fmt.Errorf("invalid interval %q: unknown zone %q", s, zone)
		}
	}
	interval := WeeklyInterval{location: location}
	if fromDay > toDay {
		interval.isComplement = true
		interval.fromDay, interval.fromMinute = toDay, toMinute
		interval.toDay, interval.toMinute = fromDay, fromMinute
	} else {
		interval.fromDay, interval.fromMinute = fromDay, fromMinute
		interval.toDay, interval.toMinute = toDay, toMinute
	}
	return interval, nil
}

func parseEndpoint(s string) (day, minute int, zone string, err error) {
	fields := strings.Fields(strings.ReplaceAll(strings.TrimSpace(s), "@", " "))
	if len(fields) < 2 || len(fields) > 3 {
		return 0, 0, "", fmt.Errorf("endpoint %q is not '<day> <HH:MM> [zone]'", s)
	}
	day, ok := weekdays[strings.ToLower(fields[0])]
	if !ok {
		return 0, 0, "", fmt.Errorf("unknown week day %q", fields[0])
	}
	var hh, mm int
	if _, err := fmt.Sscanf(fields[1], "%d:%d", &hh, &mm); err != nil {
		return 0, 0, "", fmt.Errorf("bad time %q: %w", fields[1], err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, "", fmt.Errorf("bad time %q", fields[1])
	}
	if len(fields) == 3 {
		zone = fields[2]
	}
	return day, hh*60 + mm, zone, nil
}

// Covers reports whether the interval contains the given time.
func (w WeeklyInterval) Covers(t time.Time) bool {
	return w.intervalCovers(t) != w.isComplement
}

func (w WeeklyInterval) intervalCovers(t time.Time) bool {
	t = t.In(w.location)
	day := (int(t.Weekday()) + 6) % 7
	minute := t.Hour()*60 + t.Minute()
	// The stored complement excludes its endpoints so the original
	// wrapped interval includes them.
	before := func(a, b int) bool { return a < b }
	if w.isComplement {
		before = func(a, b int) bool { return a <= b }
	}
	if day < w.fromDay || day > w.toDay {
		return false
	}
	if day == w.fromDay && before(minute, w.fromMinute) {
		return false
	}
	if day == w.toDay && before(w.toMinute, minute) {
		return false
	}
	return true
}

// CronWindow opens at every activation of a cron schedule and stays open
// for a fixed duration.
type CronWindow struct {
	spec     string
	schedule cron.Schedule
	duration time.Duration
}

// ParseCronWindow parses "cron <spec> for <duration>", e.g.
// "cron 0 18 * * 5 for 63h". The spec is evaluated in UTC.
func ParseCronWindow(s string) (CronWindow, error) {
	body := strings.TrimPrefix(strings.TrimSpace(s), "cron ")
	idx := strings.LastIndex(body, " for ")
	if idx < 0 {
		return CronWindow{}, fmt.Errorf("cron window %q needs a 'for <duration>' suffix", s)
	}
	spec := strings.TrimSpace(body[:idx])
	duration, err := time.ParseDuration(strings.TrimSpace(body[idx+len(" for "):]))
	if err != nil {
		return CronWindow{}, fmt.Errorf("cron window %q has a bad duration: %w", s, err)
	}
	if duration <= 0 {
		return CronWindow{}, fmt.Errorf("cron window %q needs a positive duration", s)
	}
	schedule, err := cron.Parse("TZ=UTC " + spec)
	if err != nil {
		return CronWindow{}, fmt.Errorf("cron window %q has a bad schedule: %w", s, err)
	}
	return CronWindow{spec: spec, schedule: schedule, duration: duration}, nil
}

// Covers reports whether an activation happened within the window's
// duration before the given time.
func (c CronWindow) Covers(t time.Time) bool {
	start := t.Add(-c.duration)
	next := c.schedule.Next(start)
	return !next.IsZero() && !next.After(t)
}
