package testutil

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Repo integration tests share one database handle and isolate each test
// inside a transaction that rolls back on cleanup. The suite skips unless
// TEST_POSTGRES_DSN points at a Postgres with pgvector installed.

var errNoDSN = errors.New("TEST_POSTGRES_DSN not set")

var shared struct {
	dbOnce  sync.Once
	db      *gorm.DB
	dbErr   error
	logOnce sync.Once
	log     *logger.Logger
	logErr  error
}

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	shared.logOnce.Do(func() {
		shared.log, shared.logErr = logger.New("test")
	})
	if shared.logErr != nil {
		tb.Fatalf("failed to init logger: %v", shared.logErr)
	}
	return shared.log
}

// DB opens the shared integration database, installing extensions and
// migrating the schema on first use.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	shared.dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			shared.dbErr = errNoDSN
			return
		}
		shared.db, shared.dbErr = openTestDB(dsn)
	})
	if errors.Is(shared.dbErr, errNoDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run repo integration tests")
	}
	if shared.dbErr != nil {
		tb.Fatalf("failed to init test db: %v", shared.dbErr)
	}
	return shared.db
}

// Tx wraps a single test in a transaction that always rolls back.
func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() { _ = tx.Rollback().Error })
	return tx
}

func openTestDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open test db: %w", err)
	}
	for _, ext := range []string{`"uuid-ossp"`, "vector"} {
		if err := db.Exec(fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s;", ext)).Error; err != nil {
			return nil, fmt.Errorf("create extension %s: %w", ext, err)
		}
	}
	if err := db.AutoMigrate(
		&types.Collection{},
		&types.Document{},
		&types.DocumentChunk{},
		&types.ChatSession{},
		&types.ChatMessage{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}
