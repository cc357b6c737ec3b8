package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationMessageSingleTarget = "2026-09-02_message_single_target_trigger"

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
		{name: migrationMessageSingleTarget, apply: installMessageSingleTargetTrigger},
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

// installMessageSingleTargetTrigger rejects rows that reference both or
// neither of a project and a conversation.
func installMessageSingleTargetTrigger(db *gorm.DB) error {
	return db.Exec(`CREATE TRIGGER IF NOT EXISTS messages_single_target
BEFORE INSERT ON messages
WHEN (NEW.project_id = '') = (NEW.conversation_id = '')
BEGIN
	SELECT RAISE(ABORT, 'message requires exactly one of project_id or conversation_id');
END;`).Error
}
