package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
)

const driverName = "pgx"

var (
	// ErrVersionConflict is returned when a compare-and-swap update found that the row version changed since it
	// was read. Callers treat it as "someone else won".
	ErrVersionConflict = errors.New("row version changed concurrently")
	// ErrNotFound is returned when a row expected to exist could not be found.
	ErrNotFound = errors.New("not found")
)

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Handler represents a database connection handler.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	Close() error
	PingContext(ctx context.Context) error
	Stats() sql.DBStats
}

// Transactor represents a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// DB implements Handler.
type DB struct {
	*sql.DB
	DSN *DSN
}

// BeginTx wraps sql.Tx from the inner sql.DB within a Tx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)

	return &Tx{tx}, err
}

// Address returns the database host network address.
func (db *DB) Address() string {
	if db.DSN == nil {
		return ""
	}
	return db.DSN.Address()
}

// Tx implements Transactor.
type Tx struct {
	*sql.Tx
}

// DSN represents the Data Source Name parameters for a DB connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds a libpq compatible connection string (e.g. "host=localhost port=5432 ...").
func (dsn *DSN) String() string {
	var params []string

	escape := func(s string) string {
		s = strings.ReplaceAll(s, `'`, `\'`)
		return strings.ReplaceAll(s, ` `, `\ `)
	}

	add := func(key, value string) {
		if value != "" {
			params = append(params, fmt.Sprintf("%s=%s", key, escape(value)))
		}
	}

	add("host", dsn.Host)
	if dsn.Port > 0 {
		add("port", strconv.Itoa(dsn.Port))
	}
	add("user", dsn.User)
	add("password", dsn.Password)
	add("dbname", dsn.DBName)
	add("sslmode", dsn.SSLMode)
	add("sslcert", dsn.SSLCert)
	add("sslkey", dsn.SSLKey)
	add("sslrootcert", dsn.SSLRootCert)
	if dsn.ConnectTimeout > 0 {
		add("connect_timeout", strconv.Itoa(int(dsn.ConnectTimeout.Seconds())))
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return net.JoinHostPort(dsn.Host, strconv.Itoa(dsn.Port))
}

// PoolConfig represents the configuration options for a database connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

type openOpts struct {
	logger             log.Logger
	logLevel           tracelog.LogLevel
	pool               *PoolConfig
	preparedStatements bool
}

// Option is used to configure the database connections.
type Option func(*openOpts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l log.Logger) Option {
	return func(opts *openOpts) {
		opts.logger = l
	}
}

// WithLogLevel configures the logger level for the database connection driver. Unknown levels disable driver logging.
func WithLogLevel(l string) Option {
	return func(opts *openOpts) {
		lvl, err := tracelog.LogLevelFromString(l)
		if err != nil {
			lvl = tracelog.LogLevelNone
		}
		opts.logLevel = lvl
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) Option {
	return func(opts *openOpts) {
		opts.pool = c
	}
}

// WithPreparedStatements enables prepared statements for the database connection.
func WithPreparedStatements(b bool) Option {
	return func(opts *openOpts) {
		opts.preparedStatements = b
	}
}

func applyOptions(opts []Option) openOpts {
	config := openOpts{
		logger:   log.GetLogger(),
		logLevel: tracelog.LogLevelNone,
		pool:     &PoolConfig{},
	}

	for _, v := range opts {
		v(&config)
	}

	return config
}

// Connector is the interface used to open database connections.
type Connector interface {
	Open(ctx context.Context, dsn *DSN, opts ...Option) (*DB, error)
}

type sqlConnector struct{}

// NewConnector creates a new Connector backed by the pgx driver.
func NewConnector() Connector {
	return &sqlConnector{}
}

// Open creates a database connection handler.
func (*sqlConnector) Open(ctx context.Context, dsn *DSN, opts ...Option) (*DB, error) {
	config := applyOptions(opts)

	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string failed: %w", err)
	}

	if config.logLevel != tracelog.LogLevelNone {
		logger := config.logger
		pgxConfig.Tracer = &tracelog.TraceLog{
			Logger: tracelog.LoggerFunc(func(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
				l := logger.WithFields(data)
				switch level {
				case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
					l.Debug(msg)
				case tracelog.LogLevelInfo:
					l.Info(msg)
				case tracelog.LogLevelWarn:
					l.Warn(msg)
				default:
					l.Error(msg)
				}
			}),
			LogLevel: config.logLevel,
		}
	}

	if !config.preparedStatements {
		pgxConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	}

	connStr := stdlib.RegisterConnConfig(pgxConfig)
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection handle failed: %w", err)
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)
	db.SetConnMaxIdleTime(config.pool.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return &DB{DB: db, DSN: dsn}, nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// WithTransaction runs fn within a database transaction, committing if fn succeeds and rolling back otherwise.
func WithTransaction(ctx context.Context, db Handler, fn func(tx Transactor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.GetLogger(log.WithContext(ctx)).WithError(err).Error("rolling back database transaction")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing database transaction: %w", err)
	}
	return nil
}
