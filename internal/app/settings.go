package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/media"
	"postpilot/internal/observability/status"
	"postpilot/internal/platform"
	"postpilot/internal/platform/facebook"
	"postpilot/internal/platform/instagram"
	"postpilot/internal/platform/twitter"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

const (
	defaultSchedule      = "1m"
	defaultCycleTimeout  = 10 * time.Minute
	defaultCallTimeout   = 2 * time.Minute
	defaultUpdateTimeout = 10 * time.Second
	defaultHTTPTimeout   = 60 * time.Second
	defaultCredRate      = 1.0
	defaultCredBurst     = 1
)

// settings is the typed view of one config file. resolve reports every
// invalid field, so a bad hot reload is rejected as a whole.
type settings struct {
	Logging logx.Config
	Storage storage.Config

	Scheduler    scheduler.Config
	Schedule     string
	CycleTimeout time.Duration
	Engine       engine.Config

	Dispatch      dispatch.Config
	Orchestrator  dispatch.OrchestratorConfig
	CredRate      float64
	CredBurst     int
	UpdateTimeout time.Duration

	HTTPTimeout time.Duration
	Client      platform.ClientConfig

	Media media.Config
	S3    media.S3Config

	Facebook  facebook.Config
	Instagram instagram.Config
	Twitter   twitter.Config

	Status status.Config
}

func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s    settings
		errs []error
		d    config.Durations
	)

	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "":
		driver = "sqlite"
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	s.Storage = storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.Or("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second),
	}

	s.Schedule = strings.TrimSpace(cfg.Scheduler.Schedule)
	if s.Schedule == "" {
		s.Schedule = defaultSchedule
	}
	if _, err := scheduler.ParseSchedule(s.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.schedule: %w", err))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	s.Scheduler = scheduler.Config{
		Enabled:    cfg.Scheduler.IsEnabled(),
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		RunOnStart: cfg.Scheduler.RunOnStart,
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	s.Engine = engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: d.Exact("task_engine.default_timeout", te.DefaultTimeout, 0),
		MaxQueueDelay:  d.Exact("task_engine.max_queue_delay", te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
	}
	s.CycleTimeout = d.Exact("task_engine.cycle_timeout", te.CycleTimeout, defaultCycleTimeout)

	dc := cfg.Dispatch
	if dc.PostWorkers < 0 || dc.PerCredentialBurst < 0 || dc.PerCredentialRate < 0 {
		errs = append(errs, errors.New("dispatch: post_workers, per_credential_rate and per_credential_burst must be >= 0"))
	}
	s.Dispatch = dispatch.Config{PostWorkers: dc.PostWorkers}
	s.Orchestrator = dispatch.OrchestratorConfig{
		CallTimeout:  d.Or("dispatch.call_timeout", dc.CallTimeout, defaultCallTimeout),
		ThrottleWait: d.Or("dispatch.throttle_wait", dc.ThrottleWait, 0),
	}
	s.CredRate = dc.PerCredentialRate
	if s.CredRate == 0 {
		s.CredRate = defaultCredRate
	}
	s.CredBurst = dc.PerCredentialBurst
	if s.CredBurst == 0 {
		s.CredBurst = defaultCredBurst
	}
	s.UpdateTimeout = d.Or("dispatch.update_timeout", dc.UpdateTimeout, defaultUpdateTimeout)

	hc := cfg.HTTP
	s.Client = platform.DefaultClientConfig()
	if hc.RetryMax != nil {
		if *hc.RetryMax < 0 {
			errs = append(errs, errors.New("http.retry_max must be >= 0"))
		}
		s.Client.RetryMax = *hc.RetryMax
	}
	s.Client.RetryBase = d.Or("http.retry_base", hc.RetryBase, s.Client.RetryBase)
	s.Client.RetryMaxDelay = d.Or("http.retry_max_delay", hc.RetryMaxDelay, s.Client.RetryMaxDelay)
	if hc.BreakerFailures > 0 {
		s.Client.BreakerFailures = hc.BreakerFailures
	}
	if hc.DisableBreaker {
		s.Client.BreakerFailures = 0
	}
	s.Client.BreakerDelay = d.Or("http.breaker_delay", hc.BreakerDelay, s.Client.BreakerDelay)
	s.HTTPTimeout = d.Or("http.timeout", hc.Timeout, defaultHTTPTimeout)

	mc := cfg.Media
	if mc.MaxBytes < 0 {
		errs = append(errs, errors.New("media.max_bytes must be >= 0"))
	}
	s.Media = media.Config{
		TempDir:      strings.TrimSpace(mc.TempDir),
		MaxBytes:     mc.MaxBytes,
		FetchTimeout: d.Or("media.fetch_timeout", mc.FetchTimeout, 0),
		PresignTTL:   d.Or("media.presign_ttl", mc.PresignTTL, 0),
	}
	s.S3 = media.S3Config{
		Region:          strings.TrimSpace(mc.S3.Region),
		Endpoint:        strings.TrimSpace(mc.S3.Endpoint),
		AccessKeyID:     mc.S3.AccessKeyID,
		SecretAccessKey: mc.S3.SecretAccessKey,
		DisableSSL:      mc.S3.DisableSSL,
	}
	if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
		errs = append(errs, errors.New("media.s3: access_key_id and secret_access_key must be set together"))
	}

	pc := cfg.Platforms
	s.Facebook = facebook.Config{GraphURL: pc.Facebook.GraphURL, AppSecret: pc.Facebook.AppSecret}
	s.Instagram = instagram.Config{
		GraphURL:     pc.Instagram.GraphURL,
		PollInterval: d.Or("platforms.instagram.poll_interval", pc.Instagram.PollInterval, 0),
		PollAttempts: pc.Instagram.PollAttempts,
	}
	s.Twitter = twitter.Config{
		APIURL:         pc.Twitter.APIURL,
		UploadURL:      pc.Twitter.UploadURL,
		ConsumerKey:    pc.Twitter.ConsumerKey,
		ConsumerSecret: pc.Twitter.ConsumerSecret,
		ChunkSize:      pc.Twitter.ChunkSize,
	}

	sc := cfg.Status
	s.Status = status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		ReadTimeout:   d.Or("status.read_timeout", sc.ReadTimeout, 10*time.Second),
		// profile and trace stream for up to 30s by default
		WriteTimeout: d.Or("status.write_timeout", sc.WriteTimeout, 45*time.Second),
		IdleTimeout:  d.Or("status.idle_timeout", sc.IdleTimeout, 60*time.Second),
	}

	if err := d.Err(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return settings{}, err
	}
	return s, nil
}
