package executors

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fluxbpm/orchestrator/internal/model"
)

// TimerSpec is a parsed timer definition. Exactly one of Duration or Date is
// meaningful for one-shot timers; Cycle timers repeat Interval up to Repeats
// times (0 = unbounded).
type TimerSpec struct {
	Duration time.Duration
	Date     time.Time
	Cycle    bool
	Interval time.Duration
	Repeats  int
}

// Due returns the first absolute deadline measured from the activation time.
func (t TimerSpec) Due(activated time.Time) time.Time {
	if !t.Date.IsZero() {
		return t.Date
	}
	if t.Cycle {
		return activated.Add(t.Interval)
	}
	return activated.Add(t.Duration)
}

// ParseTimer reads the timer properties of an element: timerDuration
// (ISO-8601 duration), timerDate (RFC 3339 instant) or timerCycle
// (R[n]/<duration>). timerType, when present, selects which key wins.
func ParseTimer(props model.Properties) (TimerSpec, error) {
	kind := props.GetString("timerType", "")
	duration := props.GetString("timerDuration", "")
	date := props.GetString("timerDate", "")
	cycle := props.GetString("timerCycle", "")

	switch kind {
	case "date":
		duration, cycle = "", ""
	case "cycle":
		duration, date = "", ""
	case "duration":
		date, cycle = "", ""
	}

	switch {
	case cycle != "":
		repeats, interval, err := parseCycle(cycle)
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{Cycle: true, Interval: interval, Repeats: repeats}, nil
	case date != "":
		at, err := time.Parse(time.RFC3339, date)
		if err != nil {
			return TimerSpec{}, fmt.Errorf("timerDate %q: %w", date, err)
		}
		return TimerSpec{Date: at}, nil
	case duration != "":
		d, err := ParseISODuration(duration)
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{Duration: d}, nil
	}
	return TimerSpec{}, fmt.Errorf("element has no timer definition")
}

// ParseISODuration parses the supported ISO-8601 duration subset
// P[n]DT[n]H[n]M[n]S, with fractional seconds allowed.
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q: missing P prefix", orig)
	}
	s = s[1:]

	datePart, timePart := s, ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}

	var total time.Duration
	consume := func(part string, units map[byte]time.Duration) error {
		num := ""
		for i := 0; i < len(part); i++ {
			c := part[i]
			if (c >= '0' && c <= '9') || c == '.' {
				num += string(c)
				continue
			}
			unit, ok := units[c]
			if !ok || num == "" {
				return fmt.Errorf("duration %q: unexpected %q", orig, string(c))
			}
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return fmt.Errorf("duration %q: %w", orig, err)
			}
			total += time.Duration(f * float64(unit))
			num = ""
		}
		if num != "" {
			return fmt.Errorf("duration %q: trailing number", orig)
		}
		return nil
	}

	if err := consume(datePart, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if err := consume(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}); err != nil {
		return 0, err
	}
	return total, nil
}

// parseCycle parses R[n]/<duration>; a missing n means unbounded.
func parseCycle(s string) (repeats int, interval time.Duration, err error) {
	if !strings.HasPrefix(s, "R") {
		return 0, 0, fmt.Errorf("timerCycle %q: missing R prefix", s)
	}
	rest := s[1:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, 0, fmt.Errorf("timerCycle %q: missing /duration", s)
	}
	if n := rest[:slash]; n != "" {
		repeats, err = strconv.Atoi(n)
		if err != nil {
			return 0, 0, fmt.Errorf("timerCycle %q: %w", s, err)
		}
	}
	interval, err = ParseISODuration(rest[slash+1:])
	if err != nil {
		return 0, 0, err
	}
	return repeats, interval, nil
}

// SleepUntil blocks until the absolute deadline or context cancellation.
// Deadline-based, so a late wakeup never extends the wait.
func SleepUntil(ctx context.Context, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
