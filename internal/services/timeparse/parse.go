// Package timeparse turns loose human time input ("30m", "1h 30m", "9:45",
// "1:30 pm") into an absolute future instant.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/n1ghtBl00d/801DoorBot/pkg/logx"
)

// DefaultTimezone is used when a configured timezone fails to load.
const DefaultTimezone = "America/Denver"

// MinLead is the minimum distance into the future a parsed instant may have.
// Anything nearer is clamped so callers never arm an effectively-immediate
// action off a near-boundary input.
const MinLead = 2 * time.Minute

// ParseError reports unusable time input. Callers are expected to proceed
// without a timer rather than fail the surrounding command.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse time %q: %s", e.Input, e.Reason)
}

var (
	hourRe   = regexp.MustCompile(`(?i)(\d+)\s*h`)
	minuteRe = regexp.MustCompile(`(?i)(\d+)\s*m`)
	clockRe  = regexp.MustCompile(`^\s*(\d{1,2})\s*:\s*(\d{1,2})\s*(?:(?i)(am|pm))?\s*$`)
)

// Parse resolves input against now in loc. Input is tried first as a
// relative duration ("1h", "30m", "1h30m" in either order), then as a clock
// time ("H:MM" with optional am/pm). Without an am/pm marker the hour is
// treated as a 12-hour value and whichever of the AM/PM readings comes next
// wins. The result is always at least MinLead after now.
func Parse(input string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return time.Time{}, &ParseError{Input: input, Reason: "empty input"}
	}

	if target, ok := parseRelative(trimmed, now); ok {
		return clamp(target, now), nil
	}

	target, err := parseClock(trimmed, now, loc)
	if err != nil {
		return time.Time{}, err
	}
	return clamp(target, now), nil
}

// parseRelative looks for hour and minute counts anywhere in the string,
// order-independent. Both zero (or absent) means this was not a duration.
func parseRelative(input string, now time.Time) (time.Time, bool) {
	hours := findCount(hourRe, input)
	minutes := findCount(minuteRe, input)
	if hours == 0 && minutes == 0 {
		return time.Time{}, false
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return now.Add(d), true
}

func findCount(re *regexp.Regexp, input string) int {
	m := re.FindStringSubmatch(input)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func parseClock(input string, now time.Time, loc *time.Location) (time.Time, error) {
	m := clockRe.FindStringSubmatch(input)
	if m == nil {
		return time.Time{}, &ParseError{Input: input, Reason: "expected a duration like 1h30m or a time like 9:45"}
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, &ParseError{Input: input, Reason: "hour out of range"}
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, &ParseError{Input: input, Reason: "minute out of range"}
	}

	local := now.In(loc)
	today := func(h int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day(), h, minute, 0, 0, loc)
	}

	if marker := strings.ToLower(m[3]); marker != "" {
		h := hour % 12
		if marker == "pm" {
			h += 12
		}
		target := today(h)
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target, nil
	}

	// No marker: fold to a 12-hour clock and take whichever of the AM/PM
	// readings occurs next.
	h12 := hour % 12
	am := today(h12)
	pm := today(h12 + 12)
	if !am.After(now) {
		am = am.AddDate(0, 0, 1)
	}
	if !pm.After(now) {
		pm = pm.AddDate(0, 0, 1)
	}
	if am.Before(pm) {
		return am, nil
	}
	return pm, nil
}

func clamp(target, now time.Time) time.Time {
	if target.Before(now.Add(MinLead)) {
		return now.Add(MinLead)
	}
	return target
}

// LoadLocation loads name, falling back to DefaultTimezone (and finally UTC)
// when the configured zone is invalid. The failure is logged, not surfaced.
func LoadLocation(name string, log logx.Logger) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		} else if !log.IsZero() {
			log.Warn("invalid timezone; using default",
				logx.String("timezone", name),
				logx.String("default", DefaultTimezone),
				logx.Err(err),
			)
		}
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}
