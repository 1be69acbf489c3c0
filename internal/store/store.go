package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config defines configurations to connect database
type Config struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	Automigrate        bool   `mapstructure:"automigrate"`
	MaxOpenConnections int    `mapstructure:"max_open_connections"`
	MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	TLSCAPath          string `mapstructure:"tls_ca_path"`
}

// Store is the row store. It keeps raw lines, mode independent orders and
// per-day row statistics.
type Store struct {
	db    *sqlx.DB
	close context.CancelFunc
	now   func() time.Time
}

// registerTLSConfig registers a custom CA with the MySQL driver under the name
// "custom". The db.CA_CERT environment variable wins over TLSCAPath.
func registerTLSConfig(cfg Config) error {
	var caCert []byte
	var err error

	if dbCACert := os.Getenv("db.CA_CERT"); dbCACert != "" {
		caCert = []byte(dbCACert)
		slog.Default().Info("using CA certificate from db.CA_CERT environment variable")
	} else if cfg.TLSCAPath != "" {
		caCert, err = os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate from %s: %w", cfg.TLSCAPath, err)
		}
		slog.Default().Info("using CA certificate from file", "path", cfg.TLSCAPath)
	} else {
		return nil
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	return mysql.RegisterTLSConfig("custom", &tls.Config{RootCAs: caCertPool})
}

func migrateDialect(driver string) string {
	if driver == DriverSQLite {
		return "sqlite3"
	}
	return driver
}

// New connects to the database, applies migrations and returns a new Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverMySQL
	}
	switch cfg.Driver {
	case DriverMySQL:
		if err := registerTLSConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to register TLS config: %w", err)
		}
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	d, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("couldn't open database : %v", err)
	}

	// requests beyond the pool size queue for a connection
	if cfg.MaxOpenConnections > 0 {
		d.SetMaxOpenConns(cfg.MaxOpenConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		d.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	if cfg.Driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY inside transactions
		d.SetMaxOpenConns(1)
	} else {
		d.SetConnMaxLifetime(2 * time.Minute)
		d.SetConnMaxIdleTime(30 * time.Second)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := d.PingContext(pingCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Automigrate {
		slog.Default().InfoContext(ctx, "applying migrations")
		migrateCtx, migrateCancel := context.WithTimeout(ctx, 5*time.Minute)
		defer migrateCancel()
		if err := MigrateWithContext(migrateCtx, d.DB, cfg.Driver); err != nil {
			d.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	ctx, c := context.WithCancel(ctx)
	s := &Store{
		db:    d,
		close: c,
		now:   time.Now,
	}

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	return s, nil
}

// NewWithDB wraps an open connection. Migrations are not applied.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, close: func() {}, now: time.Now}
}

//go:embed sql
var fs embed.FS

// Migrate applies every pending migration.
func Migrate(db *sql.DB, driver string) error {
	return MigrateWithContext(context.Background(), db, driver)
}

func MigrateWithContext(ctx context.Context, db *sql.DB, driver string) error {
	m := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: fs,
		Root:       "sql",
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := migrate.Exec(db, migrateDialect(driver), m, migrate.Up)
		done <- result{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("migration timeout: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("db migrations have failed: %w", res.err)
		}
		slog.Default().InfoContext(ctx, "applied migrations",
			slog.Int("count", res.n),
		)
		return nil
	}
}

// DB returns the underlying connection.
func (s *Store) DB() dependency.DB {
	return s.db
}

func (s *Store) Close() {
	s.close()
}

// Ping checks database connectivity by executing a simple query
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowxContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
