package database

import (
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InMemorySQLiteDSN creates an ephemeral in-memory SQLite database.
const InMemorySQLiteDSN = ":memory:"

var gormConfig = &gorm.Config{
	Logger:         logger.Default.LogMode(logger.Silent),
	TranslateError: true,
}

// Open connects to the configured database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to postgres")
		}
		return db, nil
	case "sqlite", "":
		return openSQLite(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}
}

// OpenInMemory opens a migrated, non-persistent SQLite database.
func OpenInMemory() (*gorm.DB, error) {
	db, err := openSQLite(InMemorySQLiteDSN)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// single writer; an in-memory database also lives only on its one connection
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close database connection")
}
