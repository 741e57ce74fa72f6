package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/berylliumsec/nebula-watcher/internal/model"

	_ "modernc.org/sqlite"
)

// SQLite stores the coverage in a SQLite database in two tables, one row
// per host and one row per port.
type SQLite struct {
	path string
}

func NewSQLite(path string) SQLite {
	return SQLite{path: path}
}

func (s SQLite) Path() string {
	return s.path
}

func (s SQLite) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS host_states (
			ip TEXT PRIMARY KEY,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS port_states (
			ip TEXT NOT NULL,
			port TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (ip, port)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return db, nil
}

func (s SQLite) Load(ctx context.Context) (Coverage, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return make(Coverage), nil
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()

	cov := make(Coverage)
	rows, err := db.QueryContext(ctx, `SELECT ip, status FROM host_states`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	for rows.Next() {
		var ip, status string
		if err := rows.Scan(&ip, &status); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning host row failed: %w", err)
		}
		st, err := model.ParseStatus(status)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("host %s: %w", ip, err)
		}
		cov[ip] = Host{Connection: st, Ports: make(map[string]model.Status)}
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("reading host rows failed: %w", err)
	}

	rows, err = db.QueryContext(ctx, `SELECT ip, port, status FROM port_states`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var ip, port, status string
		if err := rows.Scan(&ip, &port, &status); err != nil {
			return nil, fmt.Errorf("scanning port row failed: %w", err)
		}
		st, err := model.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("port %s:%s: %w", ip, port, err)
		}
		h, ok := cov[ip]
		if !ok {
			h = Host{Connection: model.NotEngaged, Ports: make(map[string]model.Status)}
		}
		h.Ports[port] = st
		cov[ip] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading port rows failed: %w", err)
	}
	return cov, nil
}

// Save replaces all rows in a single transaction.
func (s SQLite) Save(ctx context.Context, cov Coverage) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("path", s.path))
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM port_states`); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM host_states`); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	for ip, h := range cov {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO host_states (ip, status) VALUES (?,?)`, ip, h.Connection.String(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		for port, st := range h.Ports {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO port_states (ip, port, status) VALUES (?,?,?)`, ip, port, st.String(),
			)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Clear removes the database file together with its journal.
func (s SQLite) Clear(_ context.Context) error {
	var errs []error
	for _, p := range []string{s.path, s.path + "-journal", s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
