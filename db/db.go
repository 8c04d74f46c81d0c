package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

func New(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, buildDSN(cfg))
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("open %s connection: %w", cfg.Driver, err))
	}

	if cfg.Driver == config.DriverSQLite {
		// SQLite allows a single writer; one connection keeps writes serialized
		// instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}

		if cfg.MaxIdleConns >= 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}

		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, logger.LogErr(fmt.Errorf("ping %s: %w", cfg.Driver, err))
	}

	if cfg.Migrate {
		if err := Migrate(db, cfg.Driver); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB, driver string) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(driver); err != nil {
		return logger.LogErr(fmt.Errorf("set migration dialect %s: %w", driver, err))
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return logger.LogErr(fmt.Errorf("apply migrations: %w", err))
	}

	return nil
}

func buildDSN(cfg config.DBConfig) string {
	if cfg.Driver == config.DriverSQLite {
		params := url.Values{}
		params.Set("_busy_timeout", "5000")
		params.Set("_journal_mode", "WAL")
		return "file:" + cfg.Path + "?" + params.Encode()
	}

	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mysqlCfg.DBName = cfg.Name
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}

	return mysqlCfg.FormatDSN()
}
