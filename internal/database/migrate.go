package database

import (
	"fmt"
	"log/slog"

	"github.com/vidarr/vidarr/internal/models"
)

// additiveMigrations are columns introduced after the initial schema.
// They run unconditionally and errors are swallowed: SQLite reports
// "duplicate column name" for an already-applied migration and there is no
// reliable way to distinguish that from other failures across versions, so
// the whole list is best-effort. AutoMigrate handles fresh databases; this
// list exists for databases created before the columns were modeled.
var additiveMigrations = []string{
	`ALTER TABLE queue_items ADD COLUMN throttle_retry_count integer DEFAULT 0`,
	`ALTER TABLE queue_items ADD COLUMN next_retry_at datetime`,
	`ALTER TABLE downloads ADD COLUMN files_deleted_at datetime`,
	`ALTER TABLE video_user_statuses ADD COLUMN keep_forever numeric DEFAULT false`,
}

// Migrate creates or upgrades the catalog schema. Idempotent.
func (db *DB) Migrate(log *slog.Logger) error {
	if log == nil {
		log = db.logger
	}

	if err := db.AutoMigrate(
		&models.Download{},
		&models.QueueItem{},
		&models.VideoUserStatus{},
		&models.ChannelExclusion{},
	); err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}

	for _, stmt := range additiveMigrations {
		if err := db.Exec(stmt).Error; err != nil {
			log.Debug("additive migration skipped",
				slog.String("stmt", truncateSQL(stmt)),
				slog.String("reason", err.Error()),
			)
		}
	}

	log.Info("catalog schema ready")
	return nil
}
