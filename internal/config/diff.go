package config

import (
	"reflect"
	"sort"
	"strings"

	logx "weibobot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (bot token, observability token) are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.SendRetries != nt.SendRetries {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Weibo != newCfg.Weibo {
		changed = append(changed, "weibo")
		attrs = append(attrs,
			logx.String("weibo.base_url", newCfg.Weibo.BaseURL),
			logx.String("weibo.timeout", newCfg.Weibo.Timeout),
			logx.Int("weibo.long_text_retries", newCfg.Weibo.LongTextRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.primary_source", newCfg.Engine.PrimarySource),
			logx.Int("engine.primary_channel_count", len(newCfg.Engine.PrimaryChannels)),
			logx.String("engine.adhoc_interval", newCfg.Engine.AdhocInterval),
			logx.Int("engine.max_failures", newCfg.Engine.MaxFailures),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec))
	}

	// Nil means the default file store.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if oo != no {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "weibo", "engine", "storage":
			out = append(out, s)
		case "telegram":
			// owners and the ops chat are live; token and polling are not
			out = append(out, s+" (token/poll_timeout/send_retries)")
		}
	}
	return out
}
