package app

import (
	"fmt"
	"strings"
	"time"

	"metrobot/internal/announcer"
	"metrobot/internal/config"
	"metrobot/internal/notifier"
	"metrobot/internal/opsapi"
	"metrobot/internal/pipeline"
	"metrobot/internal/storage"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapNotifierConfig fills defaults. An omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true, DedupWindow: notifier.DefaultDedupWindow}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.DedupMaxEntries = n.DedupMaxEntries
	out.PersistDedup = n.PersistDedup

	var err error
	if out.RetryBase, err = n.RetryBase.Value("notifier.retry_base"); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = n.RetryMaxDelay.Value("notifier.retry_max_delay"); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = n.DedupWindow.Or("notifier.dedup_window", notifier.DefaultDedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// StorageConfig maps the storage section; a nil section disables storage.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := sc.BusyTimeout.Or("storage.busy_timeout", time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAnnouncerConfig(cfg *config.Config) (announcer.Config, error) {
	ac := announcer.DefaultConfig()
	if cfg.Announce.SegmentThreshold > 0 {
		ac.SegmentThreshold = cfg.Announce.SegmentThreshold
	}
	ops, err := config.OperationalLike(cfg.Announce.OperationalLike)
	if err != nil {
		return announcer.Config{}, err
	}
	if ops != nil {
		ac.OperationalLike = ops
	}
	loc, err := config.LoadLocation(cfg.Announce.Timezone)
	if err != nil {
		return announcer.Config{}, fmt.Errorf("announce.timezone: %w", err)
	}
	ac.Location = loc
	return ac, nil
}

func mapTargets(list []config.ChatTarget) []transport.ChatTarget {
	out := make([]transport.ChatTarget, 0, len(list))
	for _, t := range list {
		if t.ChatID == 0 {
			continue
		}
		out = append(out, transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	return out
}

func mapPipelineTargets(cfg *config.Config) pipeline.Targets {
	return pipeline.Targets{
		Rich:  mapTargets(cfg.Announce.RichTargets),
		Plain: mapTargets(cfg.Announce.PlainTargets),
	}
}

func mapOpsAPIConfig(cfg *config.Config) opsapi.Config {
	return opsapi.Config{
		Enabled:        cfg.OpsAPI.Enabled,
		Addr:           cfg.OpsAPI.Addr,
		Token:          cfg.OpsAPI.Token,
		AllowedOrigins: cfg.OpsAPI.AllowedOrigins,
	}
}

func schedules(cfg *config.Config) (poll, check string) {
	poll = strings.TrimSpace(cfg.Network.PollSchedule)
	if poll == "" {
		poll = "1m"
	}
	check = strings.TrimSpace(cfg.Overrides.CheckSchedule)
	if check == "" {
		check = "30s"
	}
	return poll, check
}
