package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"slices"
	"strings"
)

//go:embed migrations
var migrations embed.FS

type migration struct {
	name       string
	statements []string
}

func getMigrations() ([]migration, error) {
	migDir, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}
	res := make([]migration, 0, len(migDir))
	for _, f := range migDir {
		if !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		if f.IsDir() {
			continue
		}
		content, err := migrations.ReadFile(path.Join("migrations", f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}
		res = append(res, migration{name: f.Name(), statements: splitStatements(string(content))})
	}
	slices.SortFunc(res, func(a, b migration) int {
		return strings.Compare(a.name, b.name)
	})
	return res, nil
}

func splitStatements(content string) []string {
	res := make([]string, 0)
	for _, stmt := range strings.Split(content, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		res = append(res, stmt)
	}
	return res
}

// migrate applies every embedded migration that was not applied yet, each one in its own transaction.
func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migration (name TEXT PRIMARY KEY)`)
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	migs, err := getMigrations()
	if err != nil {
		return err
	}
	for _, m := range migs {
		var applied int
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schema_migration WHERE name = ?`), m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migration (name) VALUES (?)`), m.name)
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied migration", "name", m.name, "dialect", s.dialect.name)
	}
	return nil
}
