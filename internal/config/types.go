package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Unifi    UnifiConfig    `json:"unifi"`
	Logging  LoggingConfig  `json:"logging"`

	// Status controls the rate-limited status chat title.
	Status StatusConfig `json:"status"`

	// AutoLock controls the one-shot re-lock timer (/unlock <timer>).
	AutoLock AutoLockConfig `json:"auto_lock"`

	// Curfew re-locks the doors every night at a fixed wall-clock time.
	Curfew CurfewConfig `json:"curfew,omitempty"`

	// Alerts is the optional ntfy push channel.
	Alerts AlertsConfig `json:"alerts,omitempty"`

	// Storage is the optional audit persistence layer.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug serves pprof and a liveness probe. Off by default.
	Debug DebugConfig `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// StatusChatID is the chat whose title mirrors the door state.
	StatusChatID int64 `json:"status_chat_id"`

	// AnnounceChatID receives lock/unlock broadcast messages.
	// 0 disables announcements.
	AnnounceChatID int64 `json:"announce_chat_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// UnifiConfig points at the UniFi Access controller.
//
// Host may be a bare hostname/IP ("access.local") or a full URL
// ("https://access.local"); bare hosts get https:// and the API prefix
// appended automatically.
type UnifiConfig struct {
	Host  string `json:"host"`
	Token string `json:"token"`

	// InsecureTLS skips certificate verification. Controllers commonly ship
	// self-signed certificates.
	InsecureTLS bool `json:"insecure_tls,omitempty"`

	// Timeout is a Go duration string for each API call.
	Timeout string `json:"timeout,omitempty"`
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
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StatusConfig controls the status chat title pipeline.
//
// The title is rendered from BaseTitle plus a state marker; it is never
// derived by re-parsing a previously written title. Quota/window/buffer feed
// the rename rate limiter (Telegram itself also enforces a rename limit).
type StatusConfig struct {
	BaseTitle      string `json:"base_title"`
	UnlockedMarker string `json:"unlocked_marker,omitempty"` // default "🔓 OPEN"
	LockedMarker   string `json:"locked_marker,omitempty"`   // default "🔒"

	RenameQuota  int    `json:"rename_quota,omitempty"`  // default 2
	RenameWindow string `json:"rename_window,omitempty"` // default "10m"
	RenameBuffer string `json:"rename_buffer,omitempty"` // default "10s"

	// PollInterval is how often the door controller is polled for external
	// state changes. "0s" disables the watcher.
	PollInterval string `json:"poll_interval,omitempty"`
}

type AutoLockConfig struct {
	// Timezone for interpreting absolute timer inputs like "5:30pm".
	// Invalid or empty values fall back to the built-in default.
	Timezone string `json:"timezone,omitempty"`
}

type CurfewConfig struct {
	Enabled bool `json:"enabled"`

	// At is the nightly lock time as "HH:MM" (24-hour, curfew timezone).
	At string `json:"at"`

	// Timezone defaults to auto_lock.timezone when empty.
	Timezone string `json:"timezone,omitempty"`
}

// AlertsConfig configures ntfy-style push alerts.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server,omitempty"` // default "https://ntfy.sh"
	Topic   string `json:"topic"`
	Token   string `json:"token,omitempty"`

	// LongOpenAfter pushes a reminder when the doors stay unlocked this
	// long. Go duration string; "0s" disables the reminder.
	LongOpenAfter string `json:"long_open_after,omitempty"`
}

// DebugConfig controls the local debug HTTP server (pprof, /healthz).
// Binding anything other than loopback requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}

// StorageConfig controls the optional audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./doorbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
