package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"newsbeat/internal/domain"
	logx "newsbeat/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) List(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email, categories, frequency FROM subscribers ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.toSubscriber())
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindByEmail(ctx context.Context, email string) (domain.Subscriber, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT email, categories, frequency FROM subscribers WHERE email = ?`, email)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscriber{}, false, nil
	}
	if err != nil {
		return domain.Subscriber{}, false, err
	}
	return r.toSubscriber(), true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, sub domain.Subscriber) error {
	r := toRecord(sub)
	cats, err := json.Marshal(r.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(email, categories, frequency, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(email) DO UPDATE SET categories=excluded.categories, frequency=excluded.frequency, updated_at=excluded.updated_at`,
		r.Email, string(cats), r.Frequency, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, email string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE email = ?`, email); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM last_sent WHERE email = ?`, email); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutLastSent(ctx context.Context, email string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_sent(email, at) VALUES(?,?)
		 ON CONFLICT(email) DO UPDATE SET at=MAX(at, excluded.at)`,
		email, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LastSent(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email, at FROM last_sent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			email string
			ms    int64
		)
		if err := rows.Scan(&email, &ms); err != nil {
			return nil, err
		}
		out[email] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (record, error) {
	var (
		r    record
		cats string
	)
	if err := sc.Scan(&r.Email, &cats, &r.Frequency); err != nil {
		return record{}, err
	}
	if err := json.Unmarshal([]byte(cats), &r.Categories); err != nil {
		return record{}, fmt.Errorf("subscriber %s: categories: %w", r.Email, err)
	}
	return r, nil
}
