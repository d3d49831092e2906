package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseFormSlugs  = "2026-09-14_lowercase_form_slugs"
	migrationDefaultRoleSnapshot = "2026-10-02_default_role_snapshot"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseFormSlugs, apply: lowercaseFormSlugs},
		{name: migrationDefaultRoleSnapshot, apply: defaultRoleSnapshot},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseFormSlugs folds slugs written before slug normalization existed.
// Rows whose lowercase form is already taken are left alone.
func lowercaseFormSlugs(db *gorm.DB) error {
	return db.Exec(`UPDATE form_schemas SET slug = LOWER(slug)
WHERE slug <> LOWER(slug)
AND NOT EXISTS (SELECT 1 FROM form_schemas AS taken WHERE taken.slug = LOWER(form_schemas.slug))`).Error
}

func defaultRoleSnapshot(db *gorm.DB) error {
	return db.Exec("UPDATE user_identities SET user_roles = '' WHERE user_roles IS NULL").Error
}
