package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies the up migrations in dir that the database has not
// seen yet.
func RunMigrations(connStr, dir string) error {
	m, err := migrate.New("file://"+dir, migrationURL(connStr))
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrationURL points a postgres connection string at the pgx/v5 driver.
func migrationURL(connStr string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(connStr, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return connStr
}
