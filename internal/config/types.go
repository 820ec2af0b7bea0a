package config

// Config is the process configuration file. JSON and YAML are accepted; YAML
// is converted to JSON first so both go through the same strict decoder.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server     ServerConfig     `json:"server"`
	Transport  TransportConfig  `json:"transport"`
	Logging    LoggingConfig    `json:"logging"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Defaults   DefaultsConfig   `json:"defaults"`
	Enrichment EnrichmentConfig `json:"enrichment"`
	Backfill   BackfillConfig   `json:"backfill"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Debug      DebugConfig      `json:"debug"`
}

// ServerConfig controls the HTTP control surface.
//
// Security note: every route except /health requires
// "Authorization: Bearer <api_key>".
type ServerConfig struct {
	Addr   string `json:"addr" validate:"required"`
	APIKey string `json:"api_key" validate:"required"`

	ReadTimeout     string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout    string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" validate:"omitempty,duration"`
}

type TransportConfig struct {
	// Kind selects the chat platform: "whatsapp" (websocket bridge) or "telegram".
	Kind     string          `json:"kind" validate:"oneof=whatsapp telegram"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty" validate:"required_if=Kind whatsapp"`
	Telegram *TelegramConfig `json:"telegram,omitempty" validate:"required_if=Kind telegram"`
	Inbound  int             `json:"inbound_buffer,omitempty" validate:"gte=0"`
}

// WhatsAppConfig points at the bridge process that owns the WhatsApp session.
type WhatsAppConfig struct {
	URL            string `json:"url" validate:"required,url"`
	Token          string `json:"token,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty" validate:"omitempty,duration"`
	ReconnectMax   string `json:"reconnect_max,omitempty" validate:"omitempty,duration"`
}

type TelegramConfig struct {
	Token       string `json:"token" validate:"required"`
	PollTimeout string `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
	// ActivitySize bounds the in-memory activity log served by /logs.
	ActivitySize int `json:"activity_size,omitempty" validate:"gte=0"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards WARN+ log lines to an operator conversation through
// the active transport.
type LoggingChat struct {
	Enabled        bool   `json:"enabled"`
	ConversationID string `json:"conversation_id" validate:"required_if=Enabled true"`
	MinLevel       string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec     int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type PipelineConfig struct {
	// EmptySelection decides what an empty group selection means:
	// "none" (act nowhere) or "all" (act in every group).
	EmptySelection string `json:"empty_selection,omitempty" validate:"omitempty,oneof=none all"`
	// StopOnDisconnect switches the bot to idle when the transport drops.
	// Omitted means true.
	StopOnDisconnect *bool  `json:"stop_on_disconnect,omitempty"`
	DrainInterval    string `json:"drain_interval,omitempty" validate:"omitempty,duration"`
	// RecentWindow is how many enqueued message ids are remembered so a
	// message seen live is not acted on again by a later scan. 0 means 2000;
	// -1 disables the check.
	RecentWindow int `json:"recent_window,omitempty" validate:"gte=-1"`
}

// DefaultsConfig seeds the settings used before the first start request.
// Omitted fields keep the built-in defaults.
type DefaultsConfig struct {
	Mode            string   `json:"mode,omitempty" validate:"omitempty,oneof=react reply"`
	Emoji           string   `json:"emoji,omitempty"`
	ReplyText       string   `json:"reply_text,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=100"`
	Cooldown        string   `json:"cooldown,omitempty" validate:"omitempty,duration"`
	RateLimit       int      `json:"rate_limit,omitempty" validate:"gte=0"`
	RequiredTerms   []string `json:"required_terms,omitempty"`
	ExcludedTerms   []string `json:"excluded_terms,omitempty"`
	NormalizeArabic *bool    `json:"normalize_arabic,omitempty"`
	EnableOCR       bool     `json:"enable_ocr,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
	ArchiveLimit    int      `json:"archive_limit,omitempty" validate:"gte=0"`
}

// EnrichmentConfig configures the OCR endpoint used for image messages.
// Empty URL disables enrichment.
type EnrichmentConfig struct {
	URL        string  `json:"url,omitempty" validate:"omitempty,url"`
	Token      string  `json:"token,omitempty"`
	Languages  string  `json:"languages,omitempty"`
	Timeout    string  `json:"timeout,omitempty" validate:"omitempty,duration"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	MaxBytes   int64   `json:"max_bytes,omitempty" validate:"gte=0"`
}

// BackfillConfig schedules periodic history scans while the bot runs.
//
// Example:
//
//	"backfill": { "schedule": "every: 30m", "lookback": "2h", "limit": 200 }
type BackfillConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Lookback string `json:"lookback,omitempty" validate:"omitempty,duration"`
	Limit    int    `json:"limit,omitempty" validate:"gte=0"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bot.db", "restore_state": true }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
	RestoreState bool   `json:"restore_state,omitempty"`
	// ResumeRunning restarts the bot on boot when it was running at shutdown.
	ResumeRunning bool `json:"resume_running,omitempty"`
}

// DebugConfig holds operator-only diagnostics.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig enables the net/http/pprof server. A non-loopback addr needs a
// token or allow_insecure.
//
// Example:
//
//	"debug": { "pprof": { "enabled": true, "addr": "127.0.0.1:6060" } }
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Prefix               string `json:"prefix,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
