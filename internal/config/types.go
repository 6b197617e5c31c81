package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
// Durations are Go duration strings ("30s", "2m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Cache    CacheConfig    `json:"cache"`
	Mail     MailConfig     `json:"mail"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=TRACE DEBUG INFO WARN ERROR trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the document store. Changes need a restart.
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig drives the periodic reminder run.
//
// Defaults:
//   - timezone: Asia/Tokyo
//   - workers: 4
//   - schedule_timeout: 30s
//   - run_timeout: 2m
//   - dedupe_retention: 72h
type DispatchConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule" validate:"required_if=Enabled true"`
	Timezone string `json:"timezone,omitempty"`
	Workers  int    `json:"workers,omitempty" validate:"gte=0,lte=64"`

	ScheduleTimeout string `json:"schedule_timeout,omitempty"`
	RunTimeout      string `json:"run_timeout,omitempty"`
	DedupeRetention string `json:"dedupe_retention,omitempty"`
}

type CacheConfig struct {
	MaxAge string `json:"max_age,omitempty"`
}

type MailConfig struct {
	Driver   string `json:"driver" validate:"omitempty,oneof=smtp log"`
	Host     string `json:"host,omitempty" validate:"required_if=Driver smtp"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty" validate:"required_if=Driver smtp"`
	TLS      string `json:"tls,omitempty" validate:"omitempty,oneof=mandatory opportunistic none"`
	Timeout  string `json:"timeout,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`

	SubjectTemplate string `json:"subject_template,omitempty"`
	BodyTemplate    string `json:"body_template,omitempty"`
}

// HTTPConfig controls the operator API. Addr changes need a restart.
type HTTPConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr" validate:"required_if=Enabled true"`
	Token       string   `json:"token,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof"`
}
