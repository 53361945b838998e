package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Options describes how to reach the registration database.
type Options struct {
	Driver string // "mysql" or "sqlite3"
	User   string
	Pass   string
	Host   string
	Port   string
	Name   string // schema name for MySQL, file path for SQLite

	// CommandTimeout bounds every statement issued through the pool.  It
	// is applied as the MySQL read/write timeout and the SQLite busy
	// timeout.
	CommandTimeout time.Duration
}

// MySQLDSN builds the go-sql-driver DSN for the options.
func (o Options) MySQLDSN() string {
	auth := o.User
	if o.Pass != "" {
		auth = fmt.Sprintf("%s:%s", o.User, o.Pass)
	}
	timeout := o.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC&readTimeout=%s&writeTimeout=%s",
		auth, o.Host, o.Port, o.Name, timeout, timeout)
}

// SQLiteDSN builds the mattn/go-sqlite3 DSN for the options.
func (o Options) SQLiteDSN() string {
	timeout := o.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_loc=UTC", o.Name, timeout.Milliseconds())
}

// Open connects to the configured database, applies pool settings and
// verifies the connection.
func Open(o Options) (*sql.DB, error) {
	var dsn string
	switch o.Driver {
	case DriverMySQL:
		dsn = o.MySQLDSN()
	case DriverSQLite:
		dsn = o.SQLiteDSN()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", o.Driver)
	}

	db, err := sql.Open(o.Driver, dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	if o.Driver == DriverSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
