package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema_mysql.sql
var schemaMySQL string

//go:embed schema_sqlite.sql
var schemaSQLite string

// Migrate creates the pending and active tables if they do not exist.  It
// is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var schema string
	switch driver {
	case DriverMySQL:
		schema = schemaMySQL
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	// The MySQL driver rejects multi-statement Exec unless multiStatements
	// is enabled, so run the statements one at a time.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
