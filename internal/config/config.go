package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"sensoralert/internal/templatefmt"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName          = "sensoralert"
	defaultHTTPListen           = ":8080"
	defaultHealthPath           = "/healthz"
	defaultReadyPath            = "/readyz"
	defaultMetricsPath          = "/metrics"
	defaultUpstreamBaseURL      = "https://new.i-elitech.com"
	defaultAlarmBaseURL         = "https://i-elitech.com"
	defaultUpstreamTimeoutSec   = 30
	defaultUpstreamRetryCount   = 2
	defaultUpstreamRetryWaitMS  = 500
	defaultHistoryDelayMS       = 150
	defaultTokenTTLSec          = 30 * 60
	defaultTokenRateLimitCode   = 1010
	defaultTokenRateLimitWait   = 60
	defaultDeviceListTTLSec     = 60
	defaultTickIntervalSec      = 120
	defaultParallelGroups       = 1
	defaultAlarmFeedPollSec     = 300
	minAlarmFeedPollSec         = 30
	maxAlarmFeedPollSec         = 3600
	defaultRedisKeyPrefix       = "sensoralert:rt:"
	defaultRedisTTLSec          = 600
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultRuleBucket           = "alert_rules"
	defaultStateBucket          = "alert_states"
	defaultEventBucket          = "alert_events"
	defaultAssignmentBucket     = "device_assignments"
	defaultPublishPrefix        = "sensoralert.push"
	defaultQueueStream          = "SENSORALERT_NOTIFY"
	defaultQueueSubject         = "sensoralert.notify.jobs"
	defaultQueueConsumer        = "sensoralert-notify"
	defaultQueueDeliverGroup    = "sensoralert-notify"
	defaultQueueDLQStream       = "SENSORALERT_NOTIFY_DLQ"
	defaultQueueDLQSubject      = "sensoralert.notify.dlq"
	defaultQueueAckWaitSec      = 30
	defaultQueueNackDelayMS     = 1000
	defaultQueueMaxDeliver      = 10
	defaultQueueMaxAckPending   = 256
	defaultTelegramAPIBase      = "https://api.telegram.org"
	defaultHTTPNotifyTimeoutSec = 10
	defaultHistoryCacheSec      = 25
	defaultHistoryLastHours     = 24

	defaultTelegramTemplate = `<b>{{ .Level }}</b> {{ if .DeviceName }}{{ .DeviceName }}{{ else }}{{ .DeviceID }}{{ end }}: {{ .Reasons }}`
	defaultHTTPTemplate     = `{{ .Level }} {{ .DeviceID }} {{ .Reasons }}`

	// ServiceModeSingle keeps all state in process memory.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps rules/state/events in JetStream KV and publishes through NATS.
	ServiceModeNATS = "nats"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Alarm     AlarmConfig     `toml:"alarm"`
	Worker    WorkerConfig    `toml:"worker"`
	AlarmFeed AlarmFeedConfig `toml:"alarm_feed"`
	History   HistoryConfig   `toml:"history"`
	Cache     CacheConfig     `toml:"cache"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	HTTP      HTTPConfig      `toml:"http"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode, and optional dotenv file with secrets.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name    string `toml:"name"`
	Mode    string `toml:"mode"`
	EnvFile string `toml:"env_file"`
}

// UpstreamConfig configures main telemetry API access.
// Params: base URL, credentials, HTTP retry policy, token/device-list cache policy, and history pacing.
// Returns: upstream client options.
// RetryCount and HistoryDelayMS use the default when zero; a negative value disables them.
// TokenRateLimitWaitSec is never below 60.
type UpstreamConfig struct {
	BaseURL               string `toml:"base_url"`
	KeyID                 string `toml:"key_id"`
	KeySecret             string `toml:"key_secret"`
	UserName              string `toml:"user_name"`
	Password              string `toml:"password"`
	TimeoutSec            int    `toml:"timeout_sec"`
	RetryCount            int    `toml:"retry_count"`
	RetryWaitMS           int    `toml:"retry_wait_ms"`
	HistoryDelayMS        int    `toml:"history_delay_ms"`
	TokenTTLSec           int    `toml:"token_ttl_sec"`
	TokenRateLimitCode    int    `toml:"token_rate_limit_code"`
	TokenRateLimitWaitSec int    `toml:"token_rate_limit_wait_sec"`
	DeviceListTTLSec      int    `toml:"device_list_ttl_sec"`
}

// Timeout returns request timeout as duration.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// AlarmConfig configures alarm-record endpoint with its own credentials.
// Params: enable flag, base URL, and credential pair.
// Returns: alarm client options.
type AlarmConfig struct {
	Enabled    bool   `toml:"enabled"`
	BaseURL    string `toml:"base_url"`
	KeyID      string `toml:"key_id"`
	KeySecret  string `toml:"key_secret"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// WorkerConfig configures alert polling loop.
// Params: tick interval and owner-group parallelism.
// Returns: worker scheduling options.
type WorkerConfig struct {
	TickIntervalSec int `toml:"tick_interval_sec"`
	ParallelGroups  int `toml:"parallel_groups"`
}

// TickInterval returns tick interval as duration.
func (c WorkerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// AlarmFeedConfig configures alarm-record poller.
// Params: enable flag and poll interval (clamped to 30..3600 seconds).
// Returns: alarm feed options.
type AlarmFeedConfig struct {
	Enabled bool `toml:"enabled"`
	PollSec int  `toml:"poll_sec"`
}

// HistoryConfig configures ad-hoc history queries.
// Params: default lookback and result cache TTL.
// Returns: history query options.
type HistoryConfig struct {
	DefaultLastHours int `toml:"default_last_hours"`
	CacheSec         int `toml:"cache_sec"`
}

// CacheConfig configures optional Redis mirror of the realtime cache.
type CacheConfig struct {
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig configures realtime cache mirror in Redis.
// Params: address, auth, DB index, key prefix, and entry TTL.
// Returns: Redis mirror options.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
	TTLSec    int    `toml:"ttl_sec"`
}

// StoreConfig configures document store backend used in nats mode.
// Params: NATS URLs and KV bucket names.
// Returns: store options.
type StoreConfig struct {
	NATS NATSStoreConfig `toml:"nats"`
}

// NATSStoreConfig contains JetStream KV bucket settings.
// Params: URLs, bucket names, and bucket auto-create toggle.
// Returns: NATS store options.
type NATSStoreConfig struct {
	URL                []string `toml:"url"`
	RuleBucket         string   `toml:"rule_bucket"`
	StateBucket        string   `toml:"state_bucket"`
	EventBucket        string   `toml:"event_bucket"`
	AssignmentBucket   string   `toml:"assignment_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// NotifyConfig defines outbound notification behavior.
// Params: push subject prefix, static user roles, async queue, and chat/webhook sinks.
// Returns: notification controls.
type NotifyConfig struct {
	PublishPrefix string              `toml:"publish_prefix"`
	Roles         map[string][]string `toml:"roles"`
	Queue         NotifyQueue         `toml:"queue"`
	Telegram      TelegramNotifier    `toml:"telegram"`
	HTTP          HTTPNotifier        `toml:"http"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, stream/subject names, worker ack policy, and DLQ toggle.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool   `toml:"enabled"`
	Stream        string `toml:"stream"`
	Subject       string `toml:"subject"`
	ConsumerName  string `toml:"consumer_name"`
	DeliverGroup  string `toml:"deliver_group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
	DLQ           bool   `toml:"dlq"`
	DLQStream     string `toml:"dlq_stream"`
	DLQSubject    string `toml:"dlq_subject"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, retry policy, and message template.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
	Template string      `toml:"template"`
}

// HTTPNotifier defines generic webhook channel settings.
// Params: URL, method, timeout, headers, retry policy, and message template.
// Returns: HTTP sender configuration.
type HTTPNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
	Template   string            `toml:"template"`
}

// HTTPConfig configures the operational HTTP listener.
// Params: listen address and health/ready/metrics paths.
// Returns: HTTP server options.
type HTTPConfig struct {
	Listen      string `toml:"listen"`
	HealthPath  string `toml:"health_path"`
	ReadyPath   string `toml:"ready_path"`
	MetricsPath string `toml:"metrics_path"`
}

// LogConfig configures console and file log sinks.
// Params: console and file sink settings.
// Returns: logging configuration.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log sink.
// Params: enabled flag, level, format, and optional file path.
// Returns: sink settings.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := expandSecrets(&cfg, src); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays non-empty top-level sections of src onto dst.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.Upstream, src.Upstream)
	overlay(&dst.Alarm, src.Alarm)
	overlay(&dst.Worker, src.Worker)
	overlay(&dst.AlarmFeed, src.AlarmFeed)
	overlay(&dst.History, src.History)
	overlay(&dst.Cache, src.Cache)
	overlay(&dst.Store, src.Store)
	overlay(&dst.Notify, src.Notify)
	overlay(&dst.HTTP, src.HTTP)
}

// overlay replaces dst section when src section is present.
// Params: destination pointer and candidate section.
// Returns: none.
func overlay[T any](dst *T, src T) {
	if !reflect.ValueOf(src).IsZero() {
		*dst = src
	}
}

// expandSecrets loads optional dotenv file and expands ${VAR} references in credentials.
// Params: decoded config and its source (relative env_file resolves against it).
// Returns: dotenv load error.
func expandSecrets(cfg *Config, src ConfigSource) error {
	envFile := strings.TrimSpace(cfg.Service.EnvFile)
	if envFile != "" {
		if !filepath.IsAbs(envFile) {
			base := src.Dir
			if src.File != "" {
				base = filepath.Dir(src.File)
			}
			envFile = filepath.Join(base, envFile)
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	for _, field := range []*string{
		&cfg.Upstream.KeyID,
		&cfg.Upstream.KeySecret,
		&cfg.Upstream.UserName,
		&cfg.Upstream.Password,
		&cfg.Alarm.KeyID,
		&cfg.Alarm.KeySecret,
		&cfg.Cache.Redis.Password,
		&cfg.Notify.Telegram.BotToken,
		&cfg.Notify.Telegram.ChatID,
	} {
		*field = os.ExpandEnv(*field)
	}
	for key, value := range cfg.Notify.HTTP.Headers {
		cfg.Notify.HTTP.Headers[key] = os.ExpandEnv(value)
	}
	return nil
}

// applyDefaults fills omitted settings.
// Params: config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	up := &cfg.Upstream
	if strings.TrimSpace(up.BaseURL) == "" {
		up.BaseURL = defaultUpstreamBaseURL
	}
	if up.TimeoutSec <= 0 {
		up.TimeoutSec = defaultUpstreamTimeoutSec
	}
	if up.RetryCount < 0 {
		up.RetryCount = 0
	} else if up.RetryCount == 0 {
		up.RetryCount = defaultUpstreamRetryCount
	}
	if up.RetryWaitMS <= 0 {
		up.RetryWaitMS = defaultUpstreamRetryWaitMS
	}
	if up.HistoryDelayMS < 0 {
		up.HistoryDelayMS = 0
	} else if up.HistoryDelayMS == 0 {
		up.HistoryDelayMS = defaultHistoryDelayMS
	}
	if up.TokenTTLSec <= 0 {
		up.TokenTTLSec = defaultTokenTTLSec
	}
	if up.TokenRateLimitCode == 0 {
		up.TokenRateLimitCode = defaultTokenRateLimitCode
	}
	if up.TokenRateLimitWaitSec < defaultTokenRateLimitWait {
		up.TokenRateLimitWaitSec = defaultTokenRateLimitWait
	}
	if up.DeviceListTTLSec <= 0 {
		up.DeviceListTTLSec = defaultDeviceListTTLSec
	}

	if strings.TrimSpace(cfg.Alarm.BaseURL) == "" {
		cfg.Alarm.BaseURL = defaultAlarmBaseURL
	}
	if cfg.Alarm.TimeoutSec <= 0 {
		cfg.Alarm.TimeoutSec = up.TimeoutSec
	}

	if cfg.Worker.TickIntervalSec <= 0 {
		cfg.Worker.TickIntervalSec = defaultTickIntervalSec
	}
	if cfg.Worker.ParallelGroups <= 0 {
		cfg.Worker.ParallelGroups = defaultParallelGroups
	}
	cfg.AlarmFeed.PollSec = ClampAlarmFeedPoll(cfg.AlarmFeed.PollSec)

	if cfg.History.DefaultLastHours <= 0 {
		cfg.History.DefaultLastHours = defaultHistoryLastHours
	}
	if cfg.History.CacheSec <= 0 {
		cfg.History.CacheSec = defaultHistoryCacheSec
	}

	if strings.TrimSpace(cfg.Cache.Redis.KeyPrefix) == "" {
		cfg.Cache.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.Cache.Redis.TTLSec <= 0 {
		cfg.Cache.Redis.TTLSec = defaultRedisTTLSec
	}

	nats := &cfg.Store.NATS
	nats.URL = normalizeNATSURLs(nats.URL)
	if len(nats.URL) == 0 {
		nats.URL = []string{defaultNATSURL}
	}
	if nats.RuleBucket == "" {
		nats.RuleBucket = defaultRuleBucket
	}
	if nats.StateBucket == "" {
		nats.StateBucket = defaultStateBucket
	}
	if nats.EventBucket == "" {
		nats.EventBucket = defaultEventBucket
	}
	if nats.AssignmentBucket == "" {
		nats.AssignmentBucket = defaultAssignmentBucket
	}

	if strings.TrimSpace(cfg.Notify.PublishPrefix) == "" {
		cfg.Notify.PublishPrefix = defaultPublishPrefix
	}
	fillNotifyQueueDefaults(&cfg.Notify.Queue)
	if strings.TrimSpace(cfg.Notify.Telegram.APIBase) == "" {
		cfg.Notify.Telegram.APIBase = defaultTelegramAPIBase
	}
	if strings.TrimSpace(cfg.Notify.Telegram.Template) == "" {
		cfg.Notify.Telegram.Template = defaultTelegramTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = defaultHTTPNotifyTimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.HTTP.Template) == "" {
		cfg.Notify.HTTP.Template = defaultHTTPTemplate
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
}

// fillNotifyQueueDefaults fills fixed stream names and ack policy.
// Params: queue config pointer.
// Returns: defaults applied in place.
func fillNotifyQueueDefaults(queue *NotifyQueue) {
	if queue.Stream == "" {
		queue.Stream = defaultQueueStream
	}
	if queue.Subject == "" {
		queue.Subject = defaultQueueSubject
	}
	if queue.ConsumerName == "" {
		queue.ConsumerName = defaultQueueConsumer
	}
	if queue.DeliverGroup == "" {
		queue.DeliverGroup = defaultQueueDeliverGroup
	}
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultQueueAckWaitSec
	}
	if queue.NackDelayMS <= 0 {
		queue.NackDelayMS = defaultQueueNackDelayMS
	}
	if queue.MaxDeliver == 0 {
		queue.MaxDeliver = defaultQueueMaxDeliver
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultQueueMaxAckPending
	}
	if queue.DLQStream == "" {
		queue.DLQStream = defaultQueueDLQStream
	}
	if queue.DLQSubject == "" {
		queue.DLQSubject = defaultQueueDLQSubject
	}
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// ClampAlarmFeedPoll bounds alarm feed poll interval.
// Params: configured seconds, zero means default.
// Returns: seconds within 30..3600.
func ClampAlarmFeedPoll(seconds int) int {
	if seconds <= 0 {
		return defaultAlarmFeedPollSec
	}
	if seconds < minAlarmFeedPollSec {
		return minAlarmFeedPollSec
	}
	if seconds > maxAlarmFeedPollSec {
		return maxAlarmFeedPollSec
	}
	return seconds
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	up := cfg.Upstream
	if strings.TrimSpace(up.KeyID) == "" {
		return errors.New("upstream.key_id is required")
	}
	if strings.TrimSpace(up.KeySecret) == "" {
		return errors.New("upstream.key_secret is required")
	}
	if strings.TrimSpace(up.UserName) == "" {
		return errors.New("upstream.user_name is required")
	}
	if strings.TrimSpace(up.Password) == "" {
		return errors.New("upstream.password is required")
	}
	if cfg.Alarm.Enabled {
		if strings.TrimSpace(cfg.Alarm.KeyID) == "" {
			return errors.New("alarm.key_id is required when alarm is enabled")
		}
		if strings.TrimSpace(cfg.Alarm.KeySecret) == "" {
			return errors.New("alarm.key_secret is required when alarm is enabled")
		}
	}
	if cfg.AlarmFeed.Enabled && !cfg.Alarm.Enabled {
		return errors.New("alarm_feed requires alarm.enabled = true")
	}
	if cfg.Cache.Redis.Enabled && strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
		return errors.New("cache.redis.addr is required when redis is enabled")
	}
	if cfg.Notify.Queue.Enabled && cfg.Service.Mode != ServiceModeNATS {
		return errors.New("notify.queue requires service.mode = \"nats\"")
	}

	tg := cfg.Notify.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required")
		}
		if strings.TrimSpace(tg.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required")
		}
	}
	if err := validateMessageTemplate("notify.telegram.template", tg.Template); err != nil {
		return err
	}
	if cfg.Notify.HTTP.Enabled && strings.TrimSpace(cfg.Notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required")
	}
	if err := validateMessageTemplate("notify.http.template", cfg.Notify.HTTP.Template); err != nil {
		return err
	}
	return nil
}

// NormalizeServiceMode lower-cases service mode and applies default.
// Params: raw mode value.
// Returns: normalized mode.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether mode is known.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeSingle || mode == ServiceModeNATS
}

// EnabledNotifyChannels lists enabled chat/webhook sinks in deterministic order.
// Params: notify config.
// Returns: enabled channel keys.
func EnabledNotifyChannels(cfg NotifyConfig) []string {
	out := make([]string, 0, 2)
	if cfg.HTTP.Enabled {
		out = append(out, NotifyChannelHTTP)
	}
	if cfg.Telegram.Enabled {
		out = append(out, NotifyChannelTelegram)
	}
	return out
}

// normalizeNATSURLs trims URLs and drops empty entries.
// Params: raw URL list.
// Returns: cleaned URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// validateMessageTemplate checks notification template syntax.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
