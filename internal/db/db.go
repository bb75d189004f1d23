// Package db is the relational side: request rows, request tags, and
// request_batch links, backed by Postgres via gorm, grounded on
// salmanbao-solomon's internal/platform/db/postgres.go connect-and-ping
// pattern.
package db

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sitorouter/sitorouter/internal/errs"
)

// Request mirrors the logical `request` table from spec §6.
type Request struct {
	ID           string `gorm:"column:id;primaryKey"`
	State        string `gorm:"column:state"`
	SystemID     string `gorm:"column:system_id"`
	UserID       string `gorm:"column:user_id"`
	RequestMode  string `gorm:"column:request_mode"`
	FallbackMode string `gorm:"column:fallback_mode"`
	DeliveryTime int64  `gorm:"column:delivery_time"`
	SentTime     int64  `gorm:"column:sent_time"`
	Expires      int64  `gorm:"column:expires"`
}

func (Request) TableName() string { return "request" }

// RequestTag mirrors `request_tags`.
type RequestTag struct {
	RequestID   string `gorm:"column:request_id;primaryKey"`
	TagName     string `gorm:"column:tag_name;primaryKey"`
	SystemID    string `gorm:"column:system_id"`
	TagValue    string `gorm:"column:tag_value"`
	ExpiresFlag int    `gorm:"column:expires_flag"`
}

func (RequestTag) TableName() string { return "request_tags" }

// RequestBatch mirrors `request_batch`.
type RequestBatch struct {
	RequestID string `gorm:"column:request_id;primaryKey"`
	BatchID   string `gorm:"column:batch_id;primaryKey"`
}

func (RequestBatch) TableName() string { return "request_batch" }

// Reserved tag names, per spec §3.
const (
	TagSettings     = "_sito_settings"
	TagCargo        = "_sito_cargo"
	TagHistory      = "_sito_history"
	TagStatusDetail = "_sito_status_detail"
	TagRetry        = "_sito_retry"
)

// DB wraps the gorm handle.
type DB struct {
	Gorm *gorm.DB
}

// Connect opens a Postgres connection and verifies it with a ping, exactly
// the way the teacher repo validates its Dynamo/Kafka dependencies eagerly
// at process start rather than lazily on first use.
func Connect(dsn string) (*DB, error) {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errs.Wrap(errs.StageError, "open postgres", err)
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, errs.Wrap(errs.StageError, "resolve sql handle", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errs.Wrap(errs.StageError, "ping postgres", err)
	}

	return &DB{Gorm: g}, nil
}

func (d *DB) Close() error {
	if d == nil || d.Gorm == nil {
		return nil
	}
	sqlDB, err := d.Gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertRequest inserts or updates a request row by primary key, required
// for idempotent at-least-once delivery per spec §5.
func (d *DB) UpsertRequest(ctx context.Context, r Request) error {
	err := d.Gorm.WithContext(ctx).Save(&r).Error
	if err != nil {
		return errs.Wrap(errs.StageError, "upsert request", err)
	}
	return nil
}

// UpsertTag inserts or updates one request tag by (request_id, tag_name).
func (d *DB) UpsertTag(ctx context.Context, t RequestTag) error {
	err := d.Gorm.WithContext(ctx).Save(&t).Error
	if err != nil {
		return errs.Wrap(errs.StageError, "upsert request tag "+t.TagName, err)
	}
	return nil
}

// UpsertRequestBatch links a request to a batch.
func (d *DB) UpsertRequestBatch(ctx context.Context, rb RequestBatch) error {
	err := d.Gorm.WithContext(ctx).Save(&rb).Error
	if err != nil {
		return errs.Wrap(errs.StageError, "upsert request_batch", err)
	}
	return nil
}

// GetRequest loads a request row and its tags.
func (d *DB) GetRequest(ctx context.Context, id string) (*Request, []RequestTag, error) {
	var req Request
	if err := d.Gorm.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, nil, errs.Wrap(errs.StageError, "load request "+id, err)
	}
	var tags []RequestTag
	if err := d.Gorm.WithContext(ctx).Find(&tags, "request_id = ?", id).Error; err != nil {
		return nil, nil, errs.Wrap(errs.StageError, "load request tags "+id, err)
	}
	return &req, tags, nil
}
