package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"avatarchat/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// NormalizeDriver maps accepted driver aliases onto DriverSQLite or DriverMySQL.
func NormalizeDriver(dbType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "mysql":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", dbType)
	}
}

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return nil, err
	}
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}

	var db *sql.DB
	switch driver {
	case DriverSQLite:
		db, err = OpenSQLite(dbCfg.DSN)
		if err != nil {
			return nil, err
		}
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = dbCfg.Username
		mc.Passwd = dbCfg.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port)
		mc.DBName = dbCfg.DBName
		mc.ParseTime = true
		mc.Loc = time.UTC
		if dbCfg.Params != "" {
			values, err := url.ParseQuery(dbCfg.Params)
			if err != nil {
				return nil, fmt.Errorf("parse mysql params: %w", err)
			}
			mc.Params = make(map[string]string, len(values))
			for k := range values {
				mc.Params[k] = values.Get(k)
			}
		}
		db, err = sql.Open("mysql", mc.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}
	return db, nil
}

// OpenSQLite opens a sqlite database. A busy timeout and immediate write
// transactions are added to the DSN unless it already carries parameters.
func OpenSQLite(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn must be provided")
	}
	memory := dsn == ":memory:"
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the messages and users tables are present. It is safe to
// call on every start.
func Migrate(db *sql.DB, dbType string) error {
	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return fmt.Errorf("unsupported driver for migration: %s", dbType)
	}
	var stmts []string
	switch driver {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS users (
				user_id TEXT PRIMARY KEY,
				is_premium INTEGER NOT NULL DEFAULT 0,
				premium_expires DATETIME
			)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id VARCHAR(191) NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_user_created (user_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS users (
				user_id VARCHAR(191) NOT NULL,
				is_premium TINYINT(1) NOT NULL DEFAULT 0,
				premium_expires DATETIME(6) NULL,
				PRIMARY KEY (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
