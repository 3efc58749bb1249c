package config

import (
	"reflect"
	"strings"

	logx "metrobot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("telegram",
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
			oldCfg.Telegram.SendOnly != newCfg.Telegram.SendOnly ||
			oldCfg.Telegram.Token != newCfg.Telegram.Token,
		logx.String("telegram.poll_timeout", strings.TrimSpace(string(newCfg.Telegram.PollTimeout))),
		logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
	)
	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)
	section("network", oldCfg.Network != newCfg.Network,
		logx.String("network.raw_path", newCfg.Network.RawPath),
		logx.String("network.poll_schedule", newCfg.Network.PollSchedule),
	)
	section("overrides", oldCfg.Overrides != newCfg.Overrides,
		logx.String("overrides.path", newCfg.Overrides.Path),
		logx.Bool("overrides.watch", newCfg.Overrides.Watch),
	)
	section("pipeline", oldCfg.Pipeline != newCfg.Pipeline,
		logx.Int("pipeline.max_consecutive_errors", newCfg.Pipeline.MaxConsecutiveErrors),
	)
	section("announce", !reflect.DeepEqual(oldCfg.Announce, newCfg.Announce),
		logx.Int("announce.rich_targets", len(newCfg.Announce.RichTargets)),
		logx.Int("announce.plain_targets", len(newCfg.Announce.PlainTargets)),
		logx.Int("announce.segment_threshold", newCfg.Announce.SegmentThreshold),
	)
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("ops_api",
		oldCfg.OpsAPI.Enabled != newCfg.OpsAPI.Enabled ||
			oldCfg.OpsAPI.Addr != newCfg.OpsAPI.Addr ||
			oldCfg.OpsAPI.Token != newCfg.OpsAPI.Token ||
			!reflect.DeepEqual(oldCfg.OpsAPI.AllowedOrigins, newCfg.OpsAPI.AllowedOrigins),
		logx.Bool("ops_api.enabled", newCfg.OpsAPI.Enabled),
		logx.String("ops_api.addr", newCfg.OpsAPI.Addr),
		logx.Bool("ops_api.token_set", strings.TrimSpace(newCfg.OpsAPI.Token) != ""),
	)
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier))
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	return changed, attrs
}
