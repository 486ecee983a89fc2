package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"smsrelay/internal/migrations"
	"smsrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./smsrelay.db", "Path to the database file")
	list := flag.Bool("list", false, "List known migrations and whether they are applied")
	flag.Parse()

	if err := migrate(context.Background(), *dbPath, *list, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func migrate(ctx context.Context, dbPath string, list bool, out io.Writer) error {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database file not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if list {
		return listMigrations(ctx, db, out)
	}

	applied, err := migrations.RunMigrations(ctx, db)
	for _, version := range applied {
		fmt.Fprintf(out, "Applied migration %03d\n", version)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if len(applied) == 0 {
		fmt.Fprintln(out, "Schema is up to date")
		return nil
	}
	fmt.Fprintln(out, "Database schema updated. You can now restart smsrelay.")
	return nil
}

func listMigrations(ctx context.Context, db *sql.DB, out io.Writer) error {
	all, err := migrations.Load()
	if err != nil {
		return err
	}

	done := make(map[int]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			done[v] = true
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
	}
	// a missing schema_migrations table means nothing is applied yet

	for _, m := range all {
		status := "pending"
		if done[m.Version] {
			status = "applied"
		}
		fmt.Fprintf(out, "%03d %-8s %s\n", m.Version, status, m.Name)
	}
	return nil
}
