package config

import (
	"errors"
	"fmt"
	"strings"

	kit "weibobot/internal/transport"
	logx "weibobot/pkg/logx"
)

// Validate checks what can be checked without touching the network. It
// collects every problem so one edit fixes them all.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := kit.ParseChatTarget(g); err != nil {
			add("telegram.group_log: %w", err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}

	if _, err := ParseDurationField("weibo.timeout", cfg.Weibo.Timeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Weibo.LongTextRetries < 0 {
		add("weibo.long_text_retries must be >= 0")
	}

	e := cfg.Engine
	if src := strings.TrimSpace(e.PrimarySource); src == "" {
		add("engine.primary_source is required")
	} else if strings.ContainsAny(src, " \t\n") {
		add("engine.primary_source: invalid source id %q", src)
	}
	for i, ch := range e.PrimaryChannels {
		if _, err := kit.ParseChatTarget(ch); err != nil {
			add("engine.primary_channels[%d]: %w", i, err)
		}
	}
	for _, d := range []struct{ path, raw string }{
		{"engine.primary_interval", e.PrimaryInterval},
		{"engine.adhoc_interval", e.AdhocInterval},
		{"engine.adhoc_jitter", e.AdhocJitter},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if e.MaxFailures < 0 {
		add("engine.max_failures must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		add("dispatch.rate_per_sec must be >= 0")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "sqlite3", "memory", "none":
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	o := cfg.Observability
	for _, d := range []struct{ path, raw string }{
		{"observability.read_timeout", o.ReadTimeout},
		{"observability.write_timeout", o.WriteTimeout},
		{"observability.idle_timeout", o.IdleTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
