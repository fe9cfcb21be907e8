package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// Store keeps one settings row per workspace. Each parameter set lives in its
// own JSON column so engine and UI writes never overwrite each other.
type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	// A single connection serializes writes for every workspace.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			workspace TEXT PRIMARY KEY,
			user_parameters TEXT NOT NULL DEFAULT '{}',
			applied_parameters TEXT,
			ui_user_parameters TEXT NOT NULL DEFAULT '{}',
			ui_applied_parameters TEXT
		)
	`)
	return err
}

func (s *Store) Load(ctx context.Context, workspace string) (domain.Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_parameters, applied_parameters, ui_user_parameters, ui_applied_parameters
		 FROM settings WHERE workspace = ?`, workspace)

	var user, uiUser string
	var applied, uiApplied sql.NullString
	err := row.Scan(&user, &applied, &uiUser, &uiApplied)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("loading settings for %q: %w", workspace, err)
	}

	var st domain.Settings
	if err := json.Unmarshal([]byte(user), &st.UserParameters); err != nil {
		return domain.Settings{}, fmt.Errorf("decoding user parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(uiUser), &st.UIUserParameters); err != nil {
		return domain.Settings{}, fmt.Errorf("decoding ui user parameters: %w", err)
	}
	if applied.Valid {
		st.AppliedParameters = new(domain.EngineParameters)
		if err := json.Unmarshal([]byte(applied.String), st.AppliedParameters); err != nil {
			return domain.Settings{}, fmt.Errorf("decoding applied parameters: %w", err)
		}
	}
	if uiApplied.Valid {
		st.UIAppliedParameters = new(domain.UIParameters)
		if err := json.Unmarshal([]byte(uiApplied.String), st.UIAppliedParameters); err != nil {
			return domain.Settings{}, fmt.Errorf("decoding ui applied parameters: %w", err)
		}
	}
	return st, nil
}

func (s *Store) SaveUserParameters(ctx context.Context, workspace string, params domain.EngineParameters) error {
	return s.put(ctx, workspace, "user_parameters", params)
}

func (s *Store) SaveUIUserParameters(ctx context.Context, workspace string, params domain.UIParameters) error {
	return s.put(ctx, workspace, "ui_user_parameters", params)
}

func (s *Store) SaveApplied(ctx context.Context, workspace string, params *domain.EngineParameters) error {
	if params == nil {
		return s.put(ctx, workspace, "applied_parameters", nil)
	}
	return s.put(ctx, workspace, "applied_parameters", params)
}

func (s *Store) SaveUIApplied(ctx context.Context, workspace string, params *domain.UIParameters) error {
	if params == nil {
		return s.put(ctx, workspace, "ui_applied_parameters", nil)
	}
	return s.put(ctx, workspace, "ui_applied_parameters", params)
}

// put upserts a single column. column is always one of the constants above.
func (s *Store) put(ctx context.Context, workspace, column string, v any) error {
	var value sql.NullString
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", column, err)
		}
		value = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (workspace, `+column+`) VALUES (?, ?)
		 ON CONFLICT(workspace) DO UPDATE SET `+column+` = excluded.`+column,
		workspace, value)
	if err != nil {
		return fmt.Errorf("saving %s for %q: %w", column, workspace, err)
	}
	return nil
}
