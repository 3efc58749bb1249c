package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"metrobot/internal/status"
)

// Validate checks fields that can be verified without touching the network or
// the filesystem. Schedules are checked by the scheduler when wired.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path string, d Duration) {
		if _, err := d.Value(path); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("network.fetch_timeout", cfg.Network.FetchTimeout)
	if strings.TrimSpace(cfg.Network.RawPath) == "" {
		errs = append(errs, errors.New("network.raw_path is required"))
	}
	if strings.TrimSpace(cfg.Overrides.Path) == "" {
		errs = append(errs, errors.New("overrides.path is required"))
	}
	if cfg.Pipeline.MaxConsecutiveErrors < 0 {
		errs = append(errs, errors.New("pipeline.max_consecutive_errors must be >= 0"))
	}
	if cfg.Announce.SegmentThreshold < 0 {
		errs = append(errs, errors.New("announce.segment_threshold must be >= 0"))
	}
	if _, err := OperationalLike(cfg.Announce.OperationalLike); err != nil {
		errs = append(errs, err)
	}
	for _, tz := range []struct{ path, name string }{
		{"announce.timezone", cfg.Announce.Timezone},
		{"scheduler.timezone", cfg.Scheduler.Timezone},
	} {
		if _, err := LoadLocation(tz.name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tz.path, err))
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}
	return errors.Join(errs...)
}

// OperationalLike parses status names or codes. An empty list means the
// default set.
func OperationalLike(raw []string) ([]status.Status, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]status.Status, 0, len(raw))
	for _, r := range raw {
		st, err := status.ParseStatus(r)
		if err != nil {
			return nil, fmt.Errorf("announce.operational_like: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// LoadLocation resolves an IANA zone name; empty means the local zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
