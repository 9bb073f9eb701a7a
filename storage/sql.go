package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const createTable = `
CREATE TABLE IF NOT EXISTS delta_cursors (
	subscription_id TEXT PRIMARY KEY,
	delta_link TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQL stores one row per subscription and relies on an upsert for atomic puts.
type SQL struct {
	db     *sql.DB
	logger *slog.Logger
	driver string
}

// OpenSQL opens driver ("sqlite" or "postgres") and ensures the cursor table exists.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// Single writer; avoids SQLITE_BUSY under concurrent puts.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database after error", "error", closeErr)
		}
		return nil, fmt.Errorf("create cursor table: %w", err)
	}
	return &SQL{db: db, driver: driver, logger: logger}, nil
}

// Get returns the stored link for subscriptionID.
func (s *SQL) Get(ctx context.Context, subscriptionID string) (string, bool, error) {
	var link string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT delta_link FROM delta_cursors WHERE subscription_id = ?"), subscriptionID).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query cursor: %w", err)
	}
	if link == "" {
		return "", false, nil
	}
	return link, true, nil
}

// Put upserts subscriptionID → link.
func (s *SQL) Put(ctx context.Context, subscriptionID, link string) error {
	if link == "" {
		return ErrEmptyLink
	}
	if subscriptionID == "" {
		return errors.New("storage: empty subscription id")
	}
	query := s.rebind(`
		INSERT INTO delta_cursors (subscription_id, delta_link, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (subscription_id)
		DO UPDATE SET delta_link = excluded.delta_link, updated_at = CURRENT_TIMESTAMP`)
	if _, err := s.db.ExecContext(ctx, query, subscriptionID, link); err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	s.logger.Debug("Cursor saved", "driver", s.driver, "subscription_id", subscriptionID)
	return nil
}

// List returns every stored cursor.
func (s *SQL) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT subscription_id, delta_link FROM delta_cursors")
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	m := make(map[string]string)
	for rows.Next() {
		var id, link string
		if err := rows.Scan(&id, &link); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		m[id] = link
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return m, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := range len(query) {
		if query[i] == '?' {
			n++
			out = fmt.Appendf(out, "$%d", n)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
