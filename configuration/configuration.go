// Package configuration parses the backfila configuration file.
package configuration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"
)

// Configuration is the backfila configuration, provided by a yaml file and optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used in environment
// variable names.
type Configuration struct {
	// Log configures the logging subsystem.
	Log struct {
		// Level is the granularity at which operations are logged. Options include "error", "warn", "info",
		// "debug" and "trace". The default is "info".
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
		Formatter logFormat `yaml:"formatter,omitempty"`

		// Output sets the output destination. Options include "stderr" and "stdout". The default is "stdout".
		Output logOutput `yaml:"output,omitempty"`

		// Fields allows users to specify static string fields to include in every log entry.
		Fields map[string]any `yaml:"fields,omitempty"`
	} `yaml:"log,omitempty"`

	// Database configures the connection to the PostgreSQL database.
	Database Database `yaml:"database"`

	// Redis configures the optional Redis instance, used for caching and leader election.
	Redis Redis `yaml:"redis,omitempty"`

	// Runner tunes the execution of leased partitions.
	Runner Runner `yaml:"runner,omitempty"`

	// Scheduler tunes how partitions are hunted.
	Scheduler Scheduler `yaml:"scheduler,omitempty"`

	// Connector configures how client services are reached.
	Connector Connector `yaml:"connector,omitempty"`

	// Notifications configures the endpoints run events are sent to.
	Notifications Notifications `yaml:"notifications,omitempty"`

	// Reporting configures error reporting.
	Reporting Reporting `yaml:"reporting,omitempty"`

	// Health configures the periodic checks of backing services.
	Health Health `yaml:"health,omitempty"`

	// HTTP configures the debug server.
	HTTP struct {
		// Debug configures the http debug interface, serving metrics, pprof and health checks. Disabled when Addr
		// is empty.
		Debug struct {
			// Addr specifies the bind address for the debug server.
			Addr string `yaml:"addr,omitempty"`
			// Prometheus configures the Prometheus telemetry endpoint.
			Prometheus struct {
				Enabled bool   `yaml:"enabled,omitempty"`
				Path    string `yaml:"path,omitempty"`
			} `yaml:"prometheus,omitempty"`
			// Pprof configures a pprof server, which listens at `/debug/pprof`.
			Pprof struct {
				Enabled bool `yaml:"enabled,omitempty"`
			} `yaml:"pprof,omitempty"`
		} `yaml:"debug,omitempty"`
	} `yaml:"http,omitempty"`
}

// Database is the configuration for the PostgreSQL database.
type Database struct {
	// Host is the database server hostname.
	Host string `yaml:"host"`
	// Port is the database server port. Defaults to 5432.
	Port int `yaml:"port"`
	// User is the database username.
	User string `yaml:"user"`
	// Password is the database password.
	Password string `yaml:"password"`
	// DBName is the database name.
	DBName string `yaml:"dbname"`
	// SSLMode is the SSL mode: https://www.postgresql.org/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode string `yaml:"sslmode"`
	// SSLCert is the PEM encoded certificate file path.
	SSLCert string `yaml:"sslcert"`
	// SSLKey is the PEM encoded key file path.
	SSLKey string `yaml:"sslkey"`
	// SSLRootCert is the PEM encoded root certificate file path.
	SSLRootCert string `yaml:"sslrootcert"`
	// Pool configures the behavior of the database connection pool.
	Pool struct {
		// MaxIdle sets the maximum number of connections in the idle connection pool. Defaults to 0 (no idle
		// connections).
		MaxIdle int `yaml:"maxidle,omitempty"`
		// MaxOpen sets the maximum number of open connections to the database. Defaults to 0 (unlimited).
		MaxOpen int `yaml:"maxopen,omitempty"`
		// MaxLifetime sets the maximum amount of time a connection may be reused. Defaults to 0 (unlimited).
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
		// MaxIdleTime is the maximum amount of time a connection may be idle. Defaults to 0 (unlimited).
		MaxIdleTime time.Duration `yaml:"maxidletime,omitempty"`
	} `yaml:"pool,omitempty"`
	// ConnectTimeout is the maximum time to wait for a connection. Zero means waiting indefinitely.
	ConnectTimeout time.Duration `yaml:"connecttimeout,omitempty"`
	// PreparedStatements can be used to enable prepared statements. Defaults to false.
	PreparedStatements bool `yaml:"preparedstatements,omitempty"`
	// LogLevel sets the level of the database driver logs. Driver logs are disabled by default.
	LogLevel string `yaml:"loglevel,omitempty"`
	// Metrics configures the backfill progress metrics collection.
	Metrics DatabaseMetrics `yaml:"metrics,omitempty"`
}

// DatabaseMetrics configures the collection of backfill progress metrics.
type DatabaseMetrics struct {
	// Interval is the duration between collection runs. Defaults to 10s.
	Interval time.Duration `yaml:"interval,omitempty"`
	// LeaseDuration is the duration of the distributed lock lease. Defaults to 30s.
	LeaseDuration time.Duration `yaml:"leaseduration,omitempty"`
}

// RedisTLS specifies settings for Redis TLS connections.
type RedisTLS struct {
	// Enabled enables TLS when connecting to the server.
	Enabled bool `yaml:"enabled,omitempty"`
	// Insecure disables server name verification when connecting over TLS.
	Insecure bool `yaml:"insecure,omitempty"`
}

// RedisPool configures the behavior of the redis connection pool.
type RedisPool struct {
	// Size is the maximum number of socket connections. Default is 10 connections.
	Size int `yaml:"size,omitempty"`
	// MaxLifetime is the connection age at which client retires a connection. Default is to not close aged
	// connections.
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// IdleTimeout sets the amount time to wait before closing inactive connections.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
}

// Redis configures the Redis instance.
type Redis struct {
	// Enabled is a simple toggle for the Redis connection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Addr specifies the redis instance available to the application. For Sentinel, it should be a list of
	// addresses separated by commas.
	Addr string `yaml:"addr,omitempty"`
	// MainName specifies the main server name. Only for Sentinel connections.
	MainName string `yaml:"mainname,omitempty"`
	// Username string to connect as to the Redis instance or cluster.
	Username string `yaml:"username,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	// ReadTimeout is the timeout for reading data.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`
	// WriteTimeout is the timeout for writing data.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`
	// TLS specifies settings for TLS connections.
	TLS RedisTLS `yaml:"tls,omitempty"`
	// Pool configures the behavior of the redis connection pool.
	Pool RedisPool `yaml:"pool,omitempty"`
}

// Runner tunes the execution of leased partitions.
type Runner struct {
	// LeaseDuration is how long a claimed partition stays leased without being extended. Defaults to 5m.
	LeaseDuration time.Duration `yaml:"leaseduration,omitempty"`
	// ExtendLeasePeriod is how often a runner extends its lease and persists its progress. Defaults to 1s.
	ExtendLeasePeriod time.Duration `yaml:"extendleaseperiod,omitempty"`
	// BatchQueueThreadMultiplier sizes the buffer of computed batches, per thread. Defaults to 3.
	BatchQueueThreadMultiplier int `yaml:"batchqueuethreadmultiplier,omitempty"`
	// MinimumBatchesPerGetNextBatchCall is the minimum number of batches requested from a client service at once.
	// Defaults to 5.
	MinimumBatchesPerGetNextBatchCall int `yaml:"minimumbatchespergetnextbatchcall,omitempty"`
}

// Scheduler tunes how partitions are hunted.
type Scheduler struct {
	// HuntIntervalMin is the minimum wait between two hunts. Defaults to 1s.
	HuntIntervalMin time.Duration `yaml:"huntintervalmin,omitempty"`
	// HuntIntervalMax is the maximum wait between two hunts. Defaults to 5s.
	HuntIntervalMax time.Duration `yaml:"huntintervalmax,omitempty"`
	// MaxRunners caps the number of partitions run by this instance. Zero means unbounded.
	MaxRunners int `yaml:"maxrunners,omitempty"`
	// ShutdownTimeout is how long to wait for runners to stop on shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration `yaml:"shutdowntimeout,omitempty"`
}

// Connector configures how client services are reached.
type Connector struct {
	// Type selects the connector implementation used to reach client services. Only "http" is supported, which is
	// the default.
	Type string `yaml:"type,omitempty"`
	// HTTP configures the HTTP connector.
	HTTP struct {
		// Timeout bounds each call to a client service. Defaults to 10s.
		Timeout time.Duration `yaml:"timeout,omitempty"`
		// RateLimit caps the calls per second to each client service. Zero means unlimited.
		RateLimit float64 `yaml:"ratelimit,omitempty"`
		// Burst is the number of calls allowed above RateLimit at once. Defaults to 1 when RateLimit is set.
		Burst int `yaml:"burst,omitempty"`
	} `yaml:"http,omitempty"`
}

// Notifications configures multiple http endpoints.
type Notifications struct {
	// FanoutTimeout is the maximum amount of time spent fanning out the last event to endpoints on shutdown.
	FanoutTimeout time.Duration `yaml:"fanouttimeout,omitempty"`
	// Endpoints is a list of http configurations for endpoints that respond to webhook notifications.
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes the configuration of an http webhook notification endpoint.
type Endpoint struct {
	Name              string        `yaml:"name"`              // identifies the endpoint in logs and metrics.
	Disabled          bool          `yaml:"disabled"`          // disables the endpoint
	URL               string        `yaml:"url"`               // post url for the endpoint.
	Headers           http.Header   `yaml:"headers"`           // static headers that should be added to all requests
	Timeout           time.Duration `yaml:"timeout"`           // HTTP timeout
	MaxRetries        int           `yaml:"maxretries"`        // maximum number of times to retry sending a failed event
	Backoff           time.Duration `yaml:"backoff"`           // initial backoff duration
	IgnoredActions    []string      `yaml:"ignoredactions"`    // event actions not sent to this endpoint
	QueuePurgeTimeout time.Duration `yaml:"queuepurgetimeout"` // time spent sending queued events on shutdown
	QueueSizeLimit    int           `yaml:"queuesizelimit"`    // maximum number of events waiting to be sent
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// Health configures the periodic checks of backing services.
type Health struct {
	// Interval is the duration in between checks. Defaults to 10s.
	Interval time.Duration `yaml:"interval,omitempty"`
	// Timeout bounds each ping. Defaults to 2s.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Loglevel is the level at which operations are logged. This can be "error", "warn", "info", "debug" or "trace".
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

// String implements the Stringer interface for Loglevel.
func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", format, logFormats)
	}

	*ft = format
	return nil
}

// Parse parses an input configuration yaml document into a Configuration struct, applies environment variable
// overrides and defaults, and validates the result.
//
// Environment variables may be used to override configuration parameters following the scheme below:
// Configuration.Abc may be replaced by the value of BACKFILA_ABC,
// Configuration.Abc.Xyz may be replaced by the value of BACKFILA_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	if err := overwriteFromEnv(config, EnvPrefix, os.Environ()); err != nil {
		return nil, err
	}

	ApplyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	return config, nil
}

const (
	defaultDatabasePort               = 5432
	defaultRedisPoolSize              = 10
	defaultMetricsInterval            = 10 * time.Second
	defaultMetricsLeaseDuration       = 30 * time.Second
	defaultLeaseDuration              = 5 * time.Minute
	defaultExtendLeasePeriod          = time.Second
	defaultBatchQueueThreadMultiplier = 3
	defaultMinimumBatchesPerCall      = 5
	defaultHuntIntervalMin            = time.Second
	defaultHuntIntervalMax            = 5 * time.Second
	defaultShutdownTimeout            = 10 * time.Second
	defaultConnectorType              = "http"
	defaultConnectorTimeout           = 10 * time.Second
	defaultFanoutTimeout              = 15 * time.Second
	defaultHealthInterval             = 10 * time.Second
	defaultHealthTimeout              = 2 * time.Second
	defaultPrometheusPath             = "/metrics"
)

// ApplyDefaults sets any zero-valued fields to their default.
func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if config.HTTP.Debug.Prometheus.Enabled && config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = defaultPrometheusPath
	}

	if config.Database.Port == 0 {
		config.Database.Port = defaultDatabasePort
	}
	if config.Database.Metrics.Interval == 0 {
		config.Database.Metrics.Interval = defaultMetricsInterval
	}
	if config.Database.Metrics.LeaseDuration == 0 {
		config.Database.Metrics.LeaseDuration = defaultMetricsLeaseDuration
	}
	if config.Redis.Enabled && config.Redis.Pool.Size == 0 {
		config.Redis.Pool.Size = defaultRedisPoolSize
	}

	r := &config.Runner
	if r.LeaseDuration == 0 {
		r.LeaseDuration = defaultLeaseDuration
	}
	if r.ExtendLeasePeriod == 0 {
		r.ExtendLeasePeriod = defaultExtendLeasePeriod
	}
	if r.BatchQueueThreadMultiplier == 0 {
		r.BatchQueueThreadMultiplier = defaultBatchQueueThreadMultiplier
	}
	if r.MinimumBatchesPerGetNextBatchCall == 0 {
		r.MinimumBatchesPerGetNextBatchCall = defaultMinimumBatchesPerCall
	}

	s := &config.Scheduler
	if s.HuntIntervalMin == 0 {
		s.HuntIntervalMin = defaultHuntIntervalMin
	}
	if s.HuntIntervalMax == 0 {
		s.HuntIntervalMax = max(defaultHuntIntervalMax, s.HuntIntervalMin)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}

	if config.Connector.Type == "" {
		config.Connector.Type = defaultConnectorType
	}
	if config.Connector.HTTP.Timeout == 0 {
		config.Connector.HTTP.Timeout = defaultConnectorTimeout
	}
	if config.Connector.HTTP.RateLimit > 0 && config.Connector.HTTP.Burst == 0 {
		config.Connector.HTTP.Burst = 1
	}

	if config.Notifications.FanoutTimeout == 0 {
		config.Notifications.FanoutTimeout = defaultFanoutTimeout
	}

	if config.Health.Interval == 0 {
		config.Health.Interval = defaultHealthInterval
	}
	if config.Health.Timeout == 0 {
		config.Health.Timeout = defaultHealthTimeout
	}
}

// Validate checks the consistency of a configuration with defaults applied, reporting every problem found.
func Validate(config *Configuration) error {
	var errs *multierror.Error

	if config.Database.Host == "" {
		errs = multierror.Append(errs, errors.New("database.host is required"))
	}
	if config.Database.DBName == "" {
		errs = multierror.Append(errs, errors.New("database.dbname is required"))
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		errs = multierror.Append(errs, errors.New("redis.addr is required when redis is enabled"))
	}

	if config.Runner.ExtendLeasePeriod >= config.Runner.LeaseDuration {
		errs = multierror.Append(errs, fmt.Errorf(
			"runner.extendleaseperiod (%s) must be shorter than runner.leaseduration (%s)",
			config.Runner.ExtendLeasePeriod, config.Runner.LeaseDuration,
		))
	}
	if config.Runner.BatchQueueThreadMultiplier < 0 || config.Runner.MinimumBatchesPerGetNextBatchCall < 0 {
		errs = multierror.Append(errs, errors.New("runner batch settings must not be negative"))
	}

	if config.Scheduler.HuntIntervalMax < config.Scheduler.HuntIntervalMin {
		errs = multierror.Append(errs, fmt.Errorf(
			"scheduler.huntintervalmax (%s) must not be shorter than scheduler.huntintervalmin (%s)",
			config.Scheduler.HuntIntervalMax, config.Scheduler.HuntIntervalMin,
		))
	}
	if config.Scheduler.MaxRunners < 0 {
		errs = multierror.Append(errs, errors.New("scheduler.maxrunners must not be negative"))
	}

	if !strings.EqualFold(config.Connector.Type, defaultConnectorType) {
		errs = multierror.Append(errs, fmt.Errorf("connector.type %q is not supported", config.Connector.Type))
	}
	if config.Connector.HTTP.RateLimit < 0 {
		errs = multierror.Append(errs, errors.New("connector.http.ratelimit must not be negative"))
	}

	names := make(map[string]struct{}, len(config.Notifications.Endpoints))
	for i, e := range config.Notifications.Endpoints {
		if e.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("notifications.endpoints[%d].name is required", i))
		} else if _, ok := names[e.Name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("notifications.endpoints[%d].name %q is not unique", i, e.Name))
		}
		names[e.Name] = struct{}{}

		if u, err := url.Parse(e.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("notifications.endpoints[%d].url %q is not a valid URL", i, e.URL))
		}
		if e.MaxRetries < 0 {
			errs = multierror.Append(errs, fmt.Errorf("notifications.endpoints[%d].maxretries must not be negative", i))
		}
	}

	if config.Reporting.Sentry.Enabled && config.Reporting.Sentry.DSN == "" {
		errs = multierror.Append(errs, errors.New("reporting.sentry.dsn is required when sentry is enabled"))
	}

	return errs.ErrorOrNil()
}
