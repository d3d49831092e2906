package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/MarcoPoloResearchLab/formdesk/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteForeignKeysPragma = "_pragma=foreign_keys(1)"
)

// Config selects the relational backend.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db     *gorm.DB
		err    error
		target string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(SQLiteDSN(cfg.Path)), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(1)
		target = cfg.Path
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
		target = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()), zap.String("target", target))
	return db, nil
}

// SQLiteDSN appends the foreign key pragma to a sqlite path or URI.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "foreign_keys") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + sqliteForeignKeysPragma
}

// Models lists every persisted type, parents before children.
func Models() []any {
	models := append([]any{}, forms.Models()...)
	models = append(models, &users.Identity{})
	models = append(models, sales.Models()...)
	return append(models, &migrationRecord{})
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
