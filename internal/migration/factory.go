package migration

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/database"
)

// NewMigratorFromDatabaseConfig creates a migrator for the database the
// snapshot backend uses.
func NewMigratorFromDatabaseConfig(dbCfg database.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	if strings.TrimSpace(dbCfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  migrationURL(dbType, dbCfg.DSN),
		TableName:    "schema_migrations",
	}, logger)
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  migrationURL(dt, dbURL),
		TableName:    "schema_migrations",
	}, logger)
}

// migrationURL adapts a GORM DSN to what the migration driver expects.
// MySQL needs multiStatements for the migration files; a bare SQLite path
// becomes a file URL.
func migrationURL(dbType DatabaseType, dsn string) string {
	switch dbType {
	case DatabaseTypeMySQL:
		if strings.Contains(dsn, "multiStatements=") {
			return dsn
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "multiStatements=true"
	case DatabaseTypeSQLite:
		if strings.HasPrefix(dsn, "file:") {
			return dsn
		}
		return BuildDatabaseURL(dbType, "", 0, dsn, "", "", "")
	default:
		return dsn
	}
}
