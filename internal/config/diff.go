package config

import (
	"strings"

	"notifyd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Planner != newCfg.Planner {
		changed = append(changed, "planner")
		attrs = append(attrs,
			logx.String("planner.cron", newCfg.Planner.CronSpec()),
			logx.String("planner.timezone", strings.TrimSpace(newCfg.Planner.Timezone)),
			logx.Int("planner.retention_days", newCfg.Planner.RetentionDays),
			logx.Bool("planner.cancel_on_pause", newCfg.Planner.CancelOnPause),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.interval", newCfg.Dispatch.Interval),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	// Delivery: never log the telegram token, only whether it is set.
	if oldCfg.Delivery.Webhook != newCfg.Delivery.Webhook ||
		oldCfg.Delivery.Telegram.Enabled != newCfg.Delivery.Telegram.Enabled ||
		(strings.TrimSpace(oldCfg.Delivery.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Delivery.Telegram.Token) != "") {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.telegram_enabled", newCfg.Delivery.Telegram.Enabled),
			logx.Bool("delivery.telegram_token_set", strings.TrimSpace(newCfg.Delivery.Telegram.Token) != ""),
		)
	}

	// Pprof: same treatment for the token.
	po, pn := oldCfg.Pprof, newCfg.Pprof
	tokenFlipped := (strings.TrimSpace(po.Token) != "") != (strings.TrimSpace(pn.Token) != "")
	po.Token, pn.Token = "", ""
	if po != pn || tokenFlipped {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	return changed, attrs
}
