package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/backfila/backfila/configuration"
	"github.com/backfila/backfila/health"
	"github.com/backfila/backfila/internal/feature"
	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/notifications"
	"github.com/backfila/backfila/service/backfill"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore"
	dbmetrics "github.com/backfila/backfila/service/datastore/metrics"
	redismetrics "github.com/backfila/backfila/service/internal/metrics/redis"
	iredis "github.com/backfila/backfila/service/internal/redis"
	"github.com/backfila/backfila/service/runner"
	"github.com/backfila/backfila/service/scheduler"
	"github.com/backfila/backfila/version"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gitlab.com/gitlab-org/labkit/errortracking"
	logkit "gitlab.com/gitlab-org/labkit/log"
	"gitlab.com/gitlab-org/labkit/monitoring"
)

const (
	redisPingTimeout = 5 * time.Second
	serviceCacheTTL  = 6 * time.Hour
)

// ServeCmd is a cobra command for running backfila.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` runs the backfill scheduler",
	Long:  "`serve` hunts for leasable backfill partitions and runs them until stopped.",
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		app, err := NewApp(ctx, config)
		if err != nil {
			return fmt.Errorf("creating new backfila instance: %w", err)
		}

		go func() {
			opts, err := configureMonitoring(app.Context, config, app.StatusChecker)
			if err != nil {
				log.GetLogger().WithError(err).Error("failed to configure monitoring service, skipping")
				return
			}

			if err := monitoring.Start(opts...); err != nil {
				log.GetLogger().WithError(err).Error("unable to start monitoring service")
			}
		}()

		return app.Run()
	},
}

// App is a complete backfila instance: the scheduler running leased partitions plus the components operators and
// runners report to.
type App struct {
	// Context carries the process logger.
	Context context.Context

	Config        *configuration.Configuration
	DB            *datastore.DB
	Redis         redis.UniversalClient
	Controller    *backfill.Controller
	Scheduler     *scheduler.Service
	StatusChecker *health.StatusChecker

	broadcaster *notifications.Broadcaster
	progress    *dbmetrics.ProgressCollector
	logger      log.Logger
}

// NewApp wires a backfila instance from its configuration. Nothing runs until Run is called.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	ctx, err := configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("configuring logger: %w", err)
	}
	l := log.GetLogger(log.WithContext(ctx))

	if err := configureReporting(config); err != nil {
		return nil, fmt.Errorf("configuring reporting services: %w", err)
	}

	app := &App{Context: ctx, Config: config, logger: l}

	app.DB, err = dbFromConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct database connection: %w", err)
	}
	l.WithField("address", app.DB.Address()).Info("connected to database")

	var serviceOpts []datastore.ServiceStoreOption
	if config.Redis.Enabled {
		app.Redis, err = configureRedisClient(ctx, config.Redis, config.HTTP.Debug.Prometheus.Enabled)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Redis: %w", err)
		}
		l.WithField("address", config.Redis.Addr).Info("redis configured successfully")

		if feature.ServiceCache.Enabled() {
			cache := iredis.NewCache(app.Redis, iredis.WithDefaultTTL(serviceCacheTTL))
			serviceOpts = append(serviceOpts, datastore.WithServiceCache(datastore.NewCentralServiceCache(cache)))
			l.Info("service cache enabled")
		}
	}

	connectors := client.NewConnectorProvider(map[string]client.ClientProvider{
		client.ConnectorHTTP: client.NewHTTPClientProvider(client.HTTPClientProviderConfig{
			Timeout:            config.Connector.HTTP.Timeout,
			RateLimitPerSecond: config.Connector.HTTP.RateLimit,
			RateLimitBurst:     config.Connector.HTTP.Burst,
		}, l),
	})

	app.broadcaster = configureNotifications(ctx, config)
	listener := notifications.NewRunListener(app.broadcaster, eventSource(config))

	factory := runner.NewFactory(
		datastore.NewRunnerStore(app.DB),
		connectors,
		runner.WithConfig(runner.Config{
			LeaseDuration:              config.Runner.LeaseDuration,
			ExtendLeasePeriod:          config.Runner.ExtendLeasePeriod,
			BatchQueueThreadMultiplier: config.Runner.BatchQueueThreadMultiplier,
			MinimumBatchesPerCall:      config.Runner.MinimumBatchesPerGetNextBatchCall,
		}),
		runner.WithListeners(listener),
		runner.WithLogger(l),
	)
	hunter := scheduler.NewLeaseHunter(datastore.NewRunnerStore(app.DB), factory, scheduler.WithHunterLogger(l))
	app.Scheduler = scheduler.NewService(
		hunter,
		scheduler.WithServiceConfig(scheduler.Config{
			HuntIntervalMin: config.Scheduler.HuntIntervalMin,
			HuntIntervalMax: config.Scheduler.HuntIntervalMax,
			MaxRunners:      config.Scheduler.MaxRunners,
			ShutdownTimeout: config.Scheduler.ShutdownTimeout,
		}),
		scheduler.WithServiceLogger(l),
	)

	app.Controller = backfill.NewController(
		datastore.NewBackfillStore(app.DB, serviceOpts...),
		connectors,
		backfill.WithListeners(listener),
		backfill.WithLogger(l),
	)

	if config.Redis.Enabled && feature.ProgressGauge.Enabled() {
		app.progress, err = dbmetrics.NewProgressCollector(
			datastore.NewBackfillRunStore(app.DB).FindProgress,
			app.Redis,
			dbmetrics.WithProgressInterval(config.Database.Metrics.Interval),
			dbmetrics.WithProgressLeaseDuration(config.Database.Metrics.LeaseDuration),
			dbmetrics.WithProgressLogger(l),
		)
		if err != nil {
			return nil, fmt.Errorf("configuring progress metrics: %w", err)
		}
	}

	targets := []health.Target{{Name: "database", Pinger: app.DB}}
	if app.Redis != nil {
		targets = append(targets, health.Target{Name: "redis", Pinger: &redisPinger{client: app.Redis, addr: config.Redis.Addr}})
	}
	app.StatusChecker = health.NewStatusChecker(config.Health.Interval, config.Health.Timeout, targets, health.WithLogger(l))

	return app, nil
}

// Channel to capture signals used to gracefully shutdown backfila.
// It is global to ease unit testing
var quit = make(chan os.Signal, 1)

// Run starts the scheduler and blocks until a termination signal is received, then shuts every component down.
func (app *App) Run() error {
	ctx, cancel := context.WithCancel(app.Context)
	defer cancel()

	// Setup channel to get notified on SIGTERM and interrupt signals.
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(quit)

	app.StatusChecker.Start(ctx)
	if app.progress != nil {
		app.progress.Start(ctx)
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		app.Scheduler.Run(ctx)
	}()

	s := <-quit
	l := app.logger.WithFields(log.Fields{
		"quit_signal":      s.String(),
		"shutdown_timeout": app.Config.Scheduler.ShutdownTimeout,
	})
	l.Info("attempting to stop backfila gracefully...")

	return app.shutdown(ctx, cancel, schedulerDone)
}

func (app *App) shutdown(ctx context.Context, cancel context.CancelFunc, schedulerDone <-chan struct{}) error {
	var errs *multierror.Error

	if feature.StopAllOnShutdown.Enabled() {
		n, err := app.Controller.StopAll(ctx)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stopping running backfills: %w", err))
		}
		app.logger.WithField("backfills", n).Info("paused running backfills")
	}

	cancel()
	<-schedulerDone

	if app.progress != nil {
		app.progress.Stop()
	}
	if err := app.broadcaster.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing notifications: %w", err))
	}
	if app.Redis != nil {
		if err := app.Redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}
	if err := app.DB.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing database: %w", err))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	app.logger.Info("graceful shutdown successful")
	return nil
}

func configureReporting(config *configuration.Configuration) error {
	if !config.Reporting.Sentry.Enabled {
		return nil
	}

	if err := errortracking.Initialize(
		errortracking.WithSentryDSN(config.Reporting.Sentry.DSN),
		errortracking.WithSentryEnvironment(config.Reporting.Sentry.Environment),
		errortracking.WithVersion(version.Version),
	); err != nil {
		return fmt.Errorf("failed to configure Sentry: %w", err)
	}

	return nil
}

// configureLogging prepares the context with a logger using the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	// We need to set the GITLAB_ISO8601_LOG_TIMESTAMP env var so that LabKit will use ISO 8601 timestamps with
	// millisecond precision instead of the logrus default format (RFC3339).
	envVar := "GITLAB_ISO8601_LOG_TIMESTAMP"
	if err := os.Setenv(envVar, "true"); err != nil {
		return nil, fmt.Errorf("unable to set environment variable %q: %w", envVar, err)
	}

	// backfila doesn't log to a file, so we can ignore the io.Closer (noop) returned by LabKit
	if _, err := logkit.Initialize(
		logkit.WithFormatter(config.Log.Formatter.String()),
		logkit.WithLogLevel(config.Log.Level.String()),
		logkit.WithOutputName(config.Log.Output.String()),
	); err != nil {
		return nil, err
	}

	l := log.GetLogger().WithField("version", version.Version)
	if len(config.Log.Fields) > 0 {
		l = l.WithFields(config.Log.Fields)
	}

	return log.WithLogger(ctx, l), nil
}

func configureMonitoring(ctx context.Context, config *configuration.Configuration, checker *health.StatusChecker) ([]monitoring.Option, error) {
	l := log.GetLogger(log.WithContext(ctx))

	addr := config.HTTP.Debug.Addr
	if addr == "" {
		return []monitoring.Option{
			monitoring.WithoutMetrics(),
			monitoring.WithoutPprof(),
			monitoring.WithoutContinuousProfiling(),
		}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/health", healthHandler(checker))
	mux.Handle("/debug/health/status", checker)
	l.WithFields(log.Fields{"address": addr, "path": "/debug/health"}).Info("starting health checker")

	opts := []monitoring.Option{
		monitoring.WithServeMux(mux),
		monitoring.WithListener(ln),
		monitoring.WithoutContinuousProfiling(),
	}

	if config.HTTP.Debug.Prometheus.Enabled {
		opts = append(opts, monitoring.WithMetricsHandlerPattern(config.HTTP.Debug.Prometheus.Path))
		opts = append(opts, monitoring.WithBuildInformation(version.Version, version.BuildTime))
		opts = append(opts, monitoring.WithBuildExtraLabels(map[string]string{
			"package":  version.Package,
			"revision": version.Revision,
		}))
		l.WithFields(log.Fields{"address": addr, "path": config.HTTP.Debug.Prometheus.Path}).Info("starting Prometheus listener")
	} else {
		opts = append(opts, monitoring.WithoutMetrics())
	}

	if config.HTTP.Debug.Pprof.Enabled {
		l.WithFields(log.Fields{"address": addr, "path": "/debug/pprof/"}).Info("starting pprof listener")
	} else {
		opts = append(opts, monitoring.WithoutPprof())
	}

	return opts, nil
}

// healthHandler responds with 503 and the failures found by the last checks when a backing service is unreachable.
func healthHandler(checker *health.StatusChecker) http.Handler {
	check := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		body := map[string]string{}
		status := http.StatusOK
		if err := checker.HealthCheck(); err != nil {
			status = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	return handlers.MethodHandler{
		http.MethodGet:  check,
		http.MethodHead: check,
	}
}

func configureNotifications(ctx context.Context, config *configuration.Configuration) *notifications.Broadcaster {
	l := log.GetLogger(log.WithContext(ctx))

	var sinks []notifications.Sink
	for _, e := range config.Notifications.Endpoints {
		if e.Disabled {
			l.WithField("endpoint", e.Name).Info("endpoint disabled, skipping")
			continue
		}

		l.WithFields(log.Fields{"endpoint": e.Name, "url": e.URL}).Info("configuring notifications endpoint")
		sinks = append(sinks, notifications.NewEndpoint(e.Name, e.URL, notifications.EndpointConfig{
			Headers:           e.Headers,
			Timeout:           e.Timeout,
			MaxRetries:        e.MaxRetries,
			Backoff:           e.Backoff,
			IgnoredActions:    e.IgnoredActions,
			QueuePurgeTimeout: e.QueuePurgeTimeout,
			QueueSizeLimit:    e.QueueSizeLimit,
		}))
	}

	return notifications.NewBroadcaster(config.Notifications.FanoutTimeout, sinks...)
}

// eventSource identifies this instance in the events it sends.
func eventSource(config *configuration.Configuration) notifications.Source {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = config.HTTP.Debug.Addr
	} else if _, port, err := net.SplitHostPort(config.HTTP.Debug.Addr); err == nil {
		hostname = net.JoinHostPort(hostname, port)
	}

	return notifications.Source{
		InstanceID: uuid.NewString(),
		Addr:       hostname,
	}
}

func configureRedisClient(ctx context.Context, config configuration.Redis, metricsEnabled bool) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:           strings.Split(config.Addr, ","),
		DB:              config.DB,
		Username:        config.Username,
		Password:        config.Password,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		PoolSize:        config.Pool.Size,
		ConnMaxLifetime: config.Pool.MaxLifetime,
		MasterName:      config.MainName,
	}
	if config.TLS.Enabled {
		opts.TLSConfig = &tls.Config{
			// nolint: gosec // used for development purposes only
			InsecureSkipVerify: config.TLS.Insecure,
		}
	}
	if config.Pool.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = config.Pool.IdleTimeout
	}

	// redis.NewUniversalClient will take care of returning the appropriate client type (single, cluster or sentinel)
	// depending on the configuration options.
	client := redis.NewUniversalClient(opts)

	if metricsEnabled {
		redismetrics.InstrumentClient(client, redismetrics.WithMaxConns(opts.PoolSize))
	}

	// Ensure the client is correctly configured and the server is reachable, without blocking the start for too long.
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Join(err, client.Close())
	}

	return client, nil
}

// redisPinger lets the status checker ping Redis.
type redisPinger struct {
	client redis.UniversalClient
	addr   string
}

func (p *redisPinger) Address() string {
	return p.addr
}

func (p *redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func dbFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	return datastore.NewConnector().Open(ctx, dsnFromConfig(config),
		datastore.WithLogger(log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{"database": config.Database.DBName})),
		datastore.WithLogLevel(config.Database.LogLevel),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
			MaxIdleTime: config.Database.Pool.MaxIdleTime,
		}),
		datastore.WithPreparedStatements(config.Database.PreparedStatements),
	)
}

// migrationDBFromConfig returns a DB instance specifically configured for running database migrations, using a
// single connection.
func migrationDBFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	return datastore.NewConnector().Open(ctx, dsnFromConfig(config),
		datastore.WithLogger(log.GetLogger().WithFields(log.Fields{"database": config.Database.DBName})),
		datastore.WithLogLevel(config.Database.LogLevel),
		datastore.WithPoolConfig(&datastore.PoolConfig{MaxOpen: 1}),
	)
}

func dsnFromConfig(config *configuration.Configuration) *datastore.DSN {
	return &datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	}
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv(configuration.PathEnvVar) != "" {
		configurationPath = os.Getenv(configuration.PathEnvVar)
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	// nolint: gosec
	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}

	return config, nil
}
