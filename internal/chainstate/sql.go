package chainstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLStore persists chain state to Postgres (via pgx) or SQLite (via
// mattn/go-sqlite3), mirroring the teacher's dual-backend DB struct.
// Each chain record is stored as a single JSON blob row keyed by name;
// queues and keys get their own tables so UpsertQueue/UpsertKey can be
// plain single-row upserts.
type SQLStore struct {
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	dbType string
	logger *zap.Logger
}

// SQLConfig selects and connects the backing database.
type SQLConfig struct {
	Type string // "postgres" or "sqlite"
	URL  string
}

func NewSQLStore(ctx context.Context, cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	s := &SQLStore{dbType: cfg.Type, logger: logger}

	switch cfg.Type {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting postgres: %w", err)
		}
		s.pool = pool
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		s.sqlDB = db
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chain_state (name TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at TIMESTAMP)`,
		`CREATE TABLE IF NOT EXISTS confirmation_queue (chain TEXT, tx_hash TEXT, data TEXT NOT NULL, PRIMARY KEY (chain, tx_hash))`,
		`CREATE TABLE IF NOT EXISTS blockchain_keys (kind TEXT, id TEXT, value TEXT NOT NULL, PRIMARY KEY (kind, id))`,
	}
	for _, stmt := range stmts {
		if err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	if s.pool != nil {
		_, err := s.pool.Exec(ctx, rebind(query, "$"), args...)
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, rebind(query, "?"), args...)
	return err
}

// rebind is a no-op placeholder hook: Postgres already uses $N and
// SQLite uses ?, and none of the static DDL/DML below needs numbered
// params beyond what's written directly, so this just documents where
// a future query builder would diverge per backend.
func rebind(query, _ string) string { return query }

func (s *SQLStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}

func (s *SQLStore) GetChain(name string) (ChainState, error) {
	ctx := context.Background()
	var data string
	var err error
	if s.pool != nil {
		err = s.pool.QueryRow(ctx, `SELECT data FROM chain_state WHERE name = $1`, name).Scan(&data)
	} else {
		err = s.sqlDB.QueryRowContext(ctx, `SELECT data FROM chain_state WHERE name = ?`, name).Scan(&data)
	}
	if err == sql.ErrNoRows || (err != nil && isNoRowsPgx(err)) {
		return ChainState{Parameters: Parameters{Chain: name}, Accounts: []Account{}}, nil
	}
	if err != nil {
		return ChainState{}, fmt.Errorf("loading chain %s: %w", name, err)
	}
	var cs ChainState
	if err := json.Unmarshal([]byte(data), &cs); err != nil {
		return ChainState{}, fmt.Errorf("decoding chain %s: %w", name, err)
	}
	return cs, nil
}

func isNoRowsPgx(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}

func (s *SQLStore) SaveChain(name string, state ChainState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding chain %s: %w", name, err)
	}
	ctx := context.Background()
	now := time.Now()
	if s.pool != nil {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO chain_state (name, data, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			name, string(data), now)
	} else {
		_, err = s.sqlDB.ExecContext(ctx,
			`INSERT INTO chain_state (name, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			name, string(data), now)
	}
	if err != nil {
		return fmt.Errorf("saving chain %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) GetQueue(name string) ([]ConfirmationRecord, error) {
	ctx := context.Background()
	var records []ConfirmationRecord

	scanInto := func(data string) error {
		var rec ConfirmationRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	}

	if s.pool != nil {
		pgxRows, err := s.pool.Query(ctx, `SELECT data FROM confirmation_queue WHERE chain = $1`, name)
		if err != nil {
			return nil, fmt.Errorf("listing queue %s: %w", name, err)
		}
		defer pgxRows.Close()
		for pgxRows.Next() {
			var data string
			if err := pgxRows.Scan(&data); err != nil {
				return nil, err
			}
			if err := scanInto(data); err != nil {
				return nil, err
			}
		}
		return records, pgxRows.Err()
	}

	sqlRows, err := s.sqlDB.QueryContext(ctx, `SELECT data FROM confirmation_queue WHERE chain = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("listing queue %s: %w", name, err)
	}
	defer sqlRows.Close()
	for sqlRows.Next() {
		var data string
		if err := sqlRows.Scan(&data); err != nil {
			return nil, err
		}
		if err := scanInto(data); err != nil {
			return nil, err
		}
	}
	return records, sqlRows.Err()
}

func (s *SQLStore) UpsertQueue(name string, record ConfirmationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if s.pool != nil {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO confirmation_queue (chain, tx_hash, data) VALUES ($1, $2, $3)
			 ON CONFLICT (chain, tx_hash) DO UPDATE SET data = EXCLUDED.data`,
			name, record.TransactionHash, string(data))
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO confirmation_queue (chain, tx_hash, data) VALUES (?, ?, ?)
		 ON CONFLICT(chain, tx_hash) DO UPDATE SET data = excluded.data`,
		name, record.TransactionHash, string(data))
	return err
}

func (s *SQLStore) RemoveQueue(name string, transactionHash string) error {
	ctx := context.Background()
	if s.pool != nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM confirmation_queue WHERE chain = $1 AND tx_hash = $2`, name, transactionHash)
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM confirmation_queue WHERE chain = ? AND tx_hash = ?`, name, transactionHash)
	return err
}

func (s *SQLStore) GetKey(kind, id string) (string, bool, error) {
	ctx := context.Background()
	var value string
	var err error
	if s.pool != nil {
		err = s.pool.QueryRow(ctx, `SELECT value FROM blockchain_keys WHERE kind = $1 AND id = $2`, kind, id).Scan(&value)
	} else {
		err = s.sqlDB.QueryRowContext(ctx, `SELECT value FROM blockchain_keys WHERE kind = ? AND id = ?`, kind, id).Scan(&value)
	}
	if err == sql.ErrNoRows || isNoRowsPgx(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) UpsertKey(kind, id, value string) error {
	ctx := context.Background()
	if s.pool != nil {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO blockchain_keys (kind, id, value) VALUES ($1, $2, $3)
			 ON CONFLICT (kind, id) DO UPDATE SET value = EXCLUDED.value`,
			kind, id, value)
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO blockchain_keys (kind, id, value) VALUES (?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value`,
		kind, id, value)
	return err
}

func (s *SQLStore) DeleteKey(kind, id string) error {
	ctx := context.Background()
	if s.pool != nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM blockchain_keys WHERE kind = $1 AND id = $2`, kind, id)
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM blockchain_keys WHERE kind = ? AND id = ?`, kind, id)
	return err
}
