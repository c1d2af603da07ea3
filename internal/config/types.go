package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Weibo         WeiboConfig         `json:"weibo"`
	Engine        EngineConfig        `json:"engine"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives ops log lines. Empty disables it.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	SendRetries int    `json:"send_retries,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WeiboConfig controls the upstream client.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "https://m.weibo.cn/"
//   - timeout: "15s"
//   - long_text_retries: 2
type WeiboConfig struct {
	BaseURL         string `json:"base_url,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	LongTextRetries int    `json:"long_text_retries,omitempty"`
}

// EngineConfig describes what is polled and how often.
//
// All durations are Go duration strings (e.g. "30s", "2m"). Omitted or zero
// values fall back to the engine defaults.
type EngineConfig struct {
	PrimarySource   string   `json:"primary_source"`
	PrimaryChannels []string `json:"primary_channels"`
	PrimaryInterval string   `json:"primary_interval,omitempty"`
	AdhocInterval   string   `json:"adhoc_interval,omitempty"`
	AdhocJitter     string   `json:"adhoc_jitter,omitempty"`
	MaxFailures     int      `json:"max_failures,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// DispatchConfig paces outbound deliveries. Hot-reloadable.
type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the durable state.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/weibobot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ObservabilityConfig controls the optional HTTP server exposing /metrics
// and, when pprof is set, the runtime profiles.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
