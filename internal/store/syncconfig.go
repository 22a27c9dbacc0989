package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/asanasync/internal/model"
)

// GetSyncConfig returns the configuration row, or def with Persisted=false
// when the row has not been written yet.
func (s *Store) GetSyncConfig(ctx context.Context, def model.SyncConfig) (model.SyncConfig, error) {
	var (
		cfg                       model.SyncConfig
		enabled, download, thumbs int
		lastSuccess               sql.NullString
		created, updated          string
	)
	err := s.db.QueryRowContext(ctx, `SELECT cron_expression, enabled, download_attachments,
		generate_thumbnails, thumbnail_max_width, attachment_base_path, last_successful_sync_at,
		created_at, updated_at FROM sync_config WHERE id = 1`).Scan(
		&cfg.CronExpression, &enabled, &download, &thumbs, &cfg.ThumbnailMaxWidth,
		&cfg.AttachmentBasePath, &lastSuccess, &created, &updated,
	)
	if err == sql.ErrNoRows {
		def.Persisted = false
		return def, nil
	}
	if err != nil {
		return model.SyncConfig{}, fmt.Errorf("store: get sync config: %w", err)
	}

	cfg.Enabled = enabled != 0
	cfg.DownloadAttachments = download != 0
	cfg.GenerateThumbnails = thumbs != 0
	if cfg.LastSuccessfulSyncAt, err = scanTime(lastSuccess); err != nil {
		return model.SyncConfig{}, fmt.Errorf("store: get sync config: %w", err)
	}
	if cfg.CreatedAt, err = parseTime(created); err != nil {
		return model.SyncConfig{}, fmt.Errorf("store: get sync config: %w", err)
	}
	if cfg.UpdatedAt, err = parseTime(updated); err != nil {
		return model.SyncConfig{}, fmt.Errorf("store: get sync config: %w", err)
	}
	cfg.Persisted = true
	return cfg, nil
}

// SaveSyncConfig writes the configuration row, preserving created_at and
// last_successful_sync_at of an existing row.
func (s *Store) SaveSyncConfig(ctx context.Context, cfg model.SyncConfig) (model.SyncConfig, error) {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_config (id, cron_expression, enabled, download_attachments, generate_thumbnails,
		                         thumbnail_max_width, attachment_base_path, last_successful_sync_at,
		                         created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cron_expression = excluded.cron_expression,
			enabled = excluded.enabled,
			download_attachments = excluded.download_attachments,
			generate_thumbnails = excluded.generate_thumbnails,
			thumbnail_max_width = excluded.thumbnail_max_width,
			attachment_base_path = excluded.attachment_base_path,
			updated_at = excluded.updated_at`,
		cfg.CronExpression, boolInt(cfg.Enabled), boolInt(cfg.DownloadAttachments),
		boolInt(cfg.GenerateThumbnails), cfg.ThumbnailMaxWidth, cfg.AttachmentBasePath,
		optTime(cfg.LastSuccessfulSyncAt), now, now,
	)
	if err != nil {
		return model.SyncConfig{}, fmt.Errorf("store: save sync config: %w", err)
	}
	return s.GetSyncConfig(ctx, cfg)
}

// MarkSyncSucceeded stamps last_successful_sync_at, creating the row from def
// if it does not exist.
func (s *Store) MarkSyncSucceeded(ctx context.Context, at time.Time, def model.SyncConfig) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_config (id, cron_expression, enabled, download_attachments, generate_thumbnails,
		                         thumbnail_max_width, attachment_base_path, last_successful_sync_at,
		                         created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_successful_sync_at = excluded.last_successful_sync_at,
			updated_at = excluded.updated_at`,
		def.CronExpression, boolInt(def.Enabled), boolInt(def.DownloadAttachments),
		boolInt(def.GenerateThumbnails), def.ThumbnailMaxWidth, def.AttachmentBasePath,
		formatTime(at), now, now,
	)
	if err != nil {
		return fmt.Errorf("store: mark sync succeeded: %w", err)
	}
	return nil
}
