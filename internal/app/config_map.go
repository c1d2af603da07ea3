package app

import (
	"strconv"
	"strings"
	"time"

	"weibobot/internal/config"
	"weibobot/internal/engine"
	"weibobot/internal/observability"
	"weibobot/internal/storage"
	telegram "weibobot/internal/transport/telegram/adapter"
	"weibobot/internal/weibo"
	logx "weibobot/pkg/logx"
)

// The config is validated before it reaches these mappers, so duration
// parse errors cannot happen here; they are still returned for safety.

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: pt,
		SendRetries: cfg.Telegram.SendRetries,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// opsChannel is the channel id of the ops log chat, with the optional topic.
func opsChannel(cfg *config.Config) string {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" || strings.Contains(g, "/") || cfg.Logging.Telegram.ThreadID <= 0 {
		return g
	}
	return g + "/" + strconv.Itoa(cfg.Logging.Telegram.ThreadID)
}

func mapWeiboConfig(cfg *config.Config) (weibo.Config, error) {
	to, err := config.ParseDurationOrDefault("weibo.timeout", cfg.Weibo.Timeout, 15*time.Second)
	if err != nil {
		return weibo.Config{}, err
	}
	return weibo.Config{
		BaseURL:         cfg.Weibo.BaseURL,
		UserAgent:       cfg.Weibo.UserAgent,
		Timeout:         to,
		LongTextRetries: cfg.Weibo.LongTextRetries,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	pi, err := config.ParseDurationOrDefault("engine.primary_interval", e.PrimaryInterval, engine.DefaultPrimaryInterval)
	if err != nil {
		return engine.Config{}, err
	}
	ai, err := config.ParseDurationOrDefault("engine.adhoc_interval", e.AdhocInterval, engine.DefaultAdhocInterval)
	if err != nil {
		return engine.Config{}, err
	}
	aj, err := config.ParseDurationOrDefault("engine.adhoc_jitter", e.AdhocJitter, engine.DefaultAdhocJitter)
	if err != nil {
		return engine.Config{}, err
	}
	var tags []string
	if len(e.Tags) > 0 {
		tags = append(tags, e.Tags...)
	}
	return engine.Config{
		PrimarySource:   strings.TrimSpace(e.PrimarySource),
		PrimaryChannels: append([]string(nil), e.PrimaryChannels...),
		PrimaryInterval: pi,
		AdhocInterval:   ai,
		AdhocJitter:     aj,
		MaxFailures:     e.MaxFailures,
		Tags:            tags,
		DispatchRate:    cfg.Dispatch.RatePerSec,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	var (
		out = observability.Config{
			Enabled:       o.Enabled,
			Addr:          strings.TrimSpace(o.Addr),
			Pprof:         o.Pprof,
			Token:         strings.TrimSpace(o.Token),
			AllowInsecure: o.AllowInsecure,
		}
		err error
	)
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", o.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}
