package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps one row per client id. Saves run in a transaction so
// several daemons can share a token database without losing refreshes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	log := logging.Logger

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening token database: %w", err)
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring SQLite: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		log.Debug().Int64("version", r.Source.Version).Str("path", r.Source.Path).Msg("migration applied")
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Read(ctx context.Context) Tokens {
	tokens, err := readTokens(ctx, s.db)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("token database unreadable, treating as empty")
		return Tokens{}
	}
	return tokens
}

func (s *SQLiteStore) Save(ctx context.Context, clientID string, token *TokenRecord) (Tokens, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning token transaction: %w", err)
	}
	defer tx.Rollback()

	if token == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE client_id = ?`, clientID); err != nil {
			return nil, fmt.Errorf("deleting token: %w", err)
		}
	} else {
		data, err := json.Marshal(token)
		if err != nil {
			return nil, fmt.Errorf("encoding token: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (client_id, token, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
			clientID, string(data), time.Now().Unix())
		if err != nil {
			return nil, fmt.Errorf("saving token: %w", err)
		}
	}

	tokens, err := readTokens(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing token transaction: %w", err)
	}
	return tokens, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readTokens(ctx context.Context, q queryer) (Tokens, error) {
	rows, err := q.QueryContext(ctx, `SELECT client_id, token FROM tokens ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	tokens := Tokens{}
	for rows.Next() {
		var clientID, raw string
		if err := rows.Scan(&clientID, &raw); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		var record TokenRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			logging.Logger.Warn().Err(err).Str("client_id", clientID).Msg("skipping undecodable token row")
			continue
		}
		tokens[clientID] = Entry{Token: &record}
	}
	return tokens, rows.Err()
}

// configureSQLite sets up SQLite for concurrent access
func configureSQLite(db *sql.DB) error {
	// WAL allows concurrent readers while a writer holds the lock
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("setting WAL mode: %w", err)
	}
	// Wait for a competing writer instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("setting synchronous mode: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logging.Logger.Debug().
		Str("journal_mode", "WAL").
		Str("busy_timeout", "5000ms").
		Msg("SQLite configured")
	return nil
}
