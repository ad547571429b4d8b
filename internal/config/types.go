package config

// Config is the on-disk shape of the dispatcher configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secret fields accept "${NAME}" and are expanded from the environment
// after decoding.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatch   DispatchConfig   `json:"dispatch,omitempty"`
	HTTP       HTTPConfig       `json:"http,omitempty"`
	Media      MediaConfig      `json:"media,omitempty"`
	Platforms  PlatformsConfig  `json:"platforms"`
	Status     StatusConfig     `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig selects the post database. Only "sqlite" is supported.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls when dispatch cycles fire.
//
// Schedule accepts an interval ("1m", "00:01") or a cron expression.
// Defaults: enabled=true when omitted, schedule="1m", timezone=Local.
type SchedulerConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs cycles.
//
// Defaults: workers=1, queue_size=16, history_size=100.
// CycleTimeout bounds one cycle; "0s" disables the bound.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	CycleTimeout   string `json:"cycle_timeout,omitempty"`
}

type DispatchConfig struct {
	PostWorkers        int     `json:"post_workers,omitempty"`
	CallTimeout        string  `json:"call_timeout,omitempty"`
	PerCredentialRate  float64 `json:"per_credential_rate,omitempty"`
	PerCredentialBurst int     `json:"per_credential_burst,omitempty"`
	UpdateTimeout      string  `json:"update_timeout,omitempty"`
	ThrottleWait       string  `json:"throttle_wait,omitempty"`
}

// HTTPConfig is the retry and breaker policy shared by platform clients.
// BreakerFailures=0 keeps the default; set DisableBreaker to turn it off.
type HTTPConfig struct {
	Timeout         string `json:"timeout,omitempty"`
	RetryMax        *int   `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	BreakerFailures uint   `json:"breaker_failures,omitempty"`
	BreakerDelay    string `json:"breaker_delay,omitempty"`
	DisableBreaker  bool   `json:"disable_breaker,omitempty"`
}

type MediaConfig struct {
	TempDir      string   `json:"temp_dir,omitempty"`
	MaxBytes     int64    `json:"max_bytes,omitempty"`
	FetchTimeout string   `json:"fetch_timeout,omitempty"`
	PresignTTL   string   `json:"presign_ttl,omitempty"`
	S3           S3Config `json:"s3,omitempty"`
}

type S3Config struct {
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	DisableSSL      bool   `json:"disable_ssl,omitempty"`
}

type PlatformsConfig struct {
	Facebook  FacebookConfig  `json:"facebook,omitempty"`
	Instagram InstagramConfig `json:"instagram,omitempty"`
	Twitter   TwitterConfig   `json:"twitter,omitempty"`
}

type FacebookConfig struct {
	GraphURL string `json:"graph_url,omitempty"`
	// AppID identifies the app in logs; AppSecret enables appsecret_proof.
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"app_secret,omitempty"`
}

type InstagramConfig struct {
	GraphURL     string `json:"graph_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	PollAttempts int    `json:"poll_attempts,omitempty"`
}

type TwitterConfig struct {
	APIURL         string `json:"api_url,omitempty"`
	UploadURL      string `json:"upload_url,omitempty"`
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
}

// StatusConfig controls the operator HTTP server (health, status, metrics, pprof).
//
// Safety defaults:
//   - addr: 127.0.0.1:8089
//   - a non-loopback addr needs token or allow_insecure
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
