package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"smsrelay/internal/migrations"
	"smsrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const memoryPath = ":memory:"

// Database is the sqlite-backed task store, credential store and status store.
type Database struct {
	db      *sql.DB
	secrets *fieldCipher
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != memoryPath {
		file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	closeWith := func(err error, msg string) (*Database, error) {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%s: %w (close error: %v)", msg, err, closeErr)
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	if err := db.Ping(); err != nil {
		return closeWith(err, "failed to ping database")
	}

	if _, err := migrations.RunMigrations(context.Background(), db); err != nil {
		return closeWith(err, "failed to initialize schema")
	}

	secrets, err := newFieldCipher()
	if err != nil {
		return closeWith(err, "failed to initialize encryption")
	}

	return &Database{db: db, secrets: secrets}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
