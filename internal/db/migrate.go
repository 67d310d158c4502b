package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrationLockID serializes migration runs across collector instances.
// The value is the ASCII string "bgpcolct" packed into an int64.
const migrationLockID int64 = 0x626770636F6C6374

const versionTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type migrationFile struct {
	version int
	name    string
}

// RunMigrations applies all pending *.sql files from fsys, in version order.
// File names follow NNNN_description.sql; anything else is skipped. Each
// migration runs in its own transaction, and the whole run holds a session
// advisory lock so concurrent instances cannot race.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, logger *zap.Logger) error {
	// The advisory lock is session-scoped, so all statements must run on
	// the same connection.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	pending, err := listMigrations(fsys, logger)
	if err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("querying applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating migration rows: %w", err)
	}

	for _, m := range pending {
		if applied[m.version] {
			logger.Debug("migration already applied", zap.Int("version", m.version))
			continue
		}

		sql, err := fs.ReadFile(fsys, m.name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", m.name, err)
		}

		logger.Info("applying migration", zap.Int("version", m.version), zap.String("file", m.name))

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("executing migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

func listMigrations(fsys fs.FS, logger *zap.Logger) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var out []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			logger.Warn("skipping migration file without numeric prefix", zap.String("file", name))
			continue
		}
		out = append(out, migrationFile{version: ver, name: name})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
