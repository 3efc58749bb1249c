package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed schedule string: a cron expression, or a fixed interval
// when Every is set.
//
// Accepted forms:
//   - cron with optional seconds or a descriptor: "*/5 * * * *", "0 */2 6-23 * * *", "@hourly"
//   - Go duration: "30s", "2m"
//   - HH:MM interval: "00:05" is five minutes, "01:30" ninety
type Schedule struct {
	Cron  string
	Every time.Duration
}

// Spec is the string handed to the cron parser.
func (s Schedule) Spec() string {
	if s.Every > 0 {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Schedule{}, errors.New("schedule required")
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Schedule{Cron: s}, nil
	}

	var (
		every time.Duration
		err   error
	)
	if hh, mm, ok := strings.Cut(s, ":"); ok {
		every, err = clockInterval(hh, mm)
	} else if every, err = time.ParseDuration(s); err != nil {
		err = fmt.Errorf("use cron like '*/5 * * * *', HH:MM like '00:05' or a duration like '30s'")
	}
	if err == nil && every <= 0 {
		err = errNonPositive
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return Schedule{Every: every}, nil
}

func clockInterval(hh, mm string) (time.Duration, error) {
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	switch {
	case herr != nil || merr != nil || len(mm) != 2 || h < 0 || m < 0:
		return 0, errors.New("HH:MM expects whole hours and two-digit minutes")
	case m > 59:
		return 0, errors.New("minutes out of range")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
