package database

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the SQLite-backed store.
type DB struct {
	*sqlx.DB
}

var _ store.Store = (*DB)(nil)

// NewDB opens the database at path and applies pending migrations.
func NewDB(path string) (*DB, error) {
	if path == "" {
		path = "dengue.db" // Default SQLite file
	}

	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps writers queued in
	// the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbWrapper := &DB{DB: db}

	if err := dbWrapper.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logger.Get().Info("database connection established", zap.String("path", path))
	return dbWrapper, nil
}

func (db *DB) migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db.DB.DB, "migrations")
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
