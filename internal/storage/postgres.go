package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const pgOpTimeout = 5 * time.Second

// PostgresStore implements Store on PostgreSQL using a single records table
// keyed by (kind, name) and a cache table with explicit expiry.
type PostgresStore struct {
	dsn string
	db  *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store. Connection happens in
// Initialize.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

func (p *PostgresStore) Initialize(ctx context.Context) error {
	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	p.db = db

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS broker_records (
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, name)
		)`); err != nil {
		return fmt.Errorf("create broker_records: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS broker_cache (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return fmt.Errorf("create broker_cache: %w", err)
	}

	log.Info("Connected to PostgreSQL settings store")
	return nil
}

func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) GetCredential(ctx context.Context, name string) (map[string]interface{}, error) {
	return p.getRecord(ctx, "credential", name)
}

func (p *PostgresStore) SetCredential(ctx context.Context, name string, data map[string]interface{}) error {
	return p.setRecord(ctx, "credential", name, data)
}

func (p *PostgresStore) DeleteCredential(ctx context.Context, name string) error {
	return p.deleteRecord(ctx, "credential", name)
}

func (p *PostgresStore) ListCredentials(ctx context.Context) ([]string, error) {
	return p.listRecords(ctx, "credential")
}

func (p *PostgresStore) GetBackend(ctx context.Context, name string) (map[string]interface{}, error) {
	return p.getRecord(ctx, "backend", name)
}

func (p *PostgresStore) SetBackend(ctx context.Context, name string, data map[string]interface{}) error {
	return p.setRecord(ctx, "backend", name, data)
}

func (p *PostgresStore) DeleteBackend(ctx context.Context, name string) error {
	return p.deleteRecord(ctx, "backend", name)
}

func (p *PostgresStore) ListBackends(ctx context.Context) ([]string, error) {
	return p.listRecords(ctx, "backend")
}

func (p *PostgresStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM broker_cache WHERE key = $1 AND expires_at > now()`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO broker_cache (key, value, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) DeleteCache(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `DELETE FROM broker_cache WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) getRecord(ctx context.Context, kind, name string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	var dataJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM broker_records WHERE kind = $1 AND name = $2`, kind, name).Scan(&dataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Key: name}
		}
		return nil, fmt.Errorf("get %s %s: %w", kind, name, err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(dataJSON, &data); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, name, err)
	}
	return data, nil
}

func (p *PostgresStore) setRecord(ctx context.Context, kind, name string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO broker_records (kind, name, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		kind, name, payload)
	if err != nil {
		return fmt.Errorf("set %s %s: %w", kind, name, err)
	}
	return nil
}

func (p *PostgresStore) deleteRecord(ctx context.Context, kind, name string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM broker_records WHERE kind = $1 AND name = $2`, kind, name)
	return err
}

func (p *PostgresStore) listRecords(ctx context.Context, kind string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT name FROM broker_records WHERE kind = $1 ORDER BY name`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", kind, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
