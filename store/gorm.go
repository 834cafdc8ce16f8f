package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/internal/database"
	"github.com/BaSui01/dreamforge/types"
)

// generationRecord is the GORM row for a generation. The metadata bag and
// the structured error are serialized to JSON columns so the schema stays
// stable as the bag grows.
type generationRecord struct {
	ID             string `gorm:"primaryKey"`
	SessionID      string `gorm:"index:idx_generations_session,priority:1"`
	Prompt         string
	EnhancedPrompt string
	ImageRef       string
	ModelRef       string
	Status         string
	Error          string
	Metadata       string
	CreatedAt      time.Time `gorm:"index:idx_generations_session,priority:2,sort:desc"`
	UpdatedAt      time.Time
}

func (generationRecord) TableName() string { return "generations" }

// sessionRecord is the GORM row for a session.
type sessionRecord struct {
	ID           string `gorm:"primaryKey"`
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

// GormStore is a SQL-backed implementation of Store using GORM.
// SQLite is the durable single-node default; Postgres serves shared
// deployments. Selected by StoreConfig.Driver.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database for the configured driver and migrates
// the schema.
func NewGormStore(cfg config.StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported sql store driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Configure(db, database.PoolConfig{
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure connection pool: %w", err)
	}

	if err := db.AutoMigrate(&generationRecord{}, &sessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// toRecord serializes a generation into its row form.
func toRecord(gen *types.Generation) (*generationRecord, error) {
	rec := &generationRecord{
		ID:             gen.ID,
		SessionID:      gen.SessionID,
		Prompt:         gen.Prompt,
		EnhancedPrompt: gen.EnhancedPrompt,
		ImageRef:       gen.ImageRef,
		ModelRef:       gen.ModelRef,
		Status:         string(gen.Status),
		CreatedAt:      gen.CreatedAt,
		UpdatedAt:      gen.UpdatedAt,
	}

	if gen.Error != nil {
		data, err := json.Marshal(gen.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error info: %w", err)
		}
		rec.Error = string(data)
	}
	if len(gen.Metadata) > 0 {
		data, err := json.Marshal(gen.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		rec.Metadata = string(data)
	}
	return rec, nil
}

// fromRecord deserializes a row back into a generation.
func fromRecord(rec *generationRecord) (*types.Generation, error) {
	gen := &types.Generation{
		ID:             rec.ID,
		SessionID:      rec.SessionID,
		Prompt:         rec.Prompt,
		EnhancedPrompt: rec.EnhancedPrompt,
		ImageRef:       rec.ImageRef,
		ModelRef:       rec.ModelRef,
		Status:         types.GenerationStatus(rec.Status),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}

	if rec.Error != "" {
		var info types.ErrorInfo
		if err := json.Unmarshal([]byte(rec.Error), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error info: %w", err)
		}
		gen.Error = &info
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &gen.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return gen, nil
}

// PutGeneration upserts a generation record atomically.
func (s *GormStore) PutGeneration(ctx context.Context, gen *types.Generation) error {
	if gen == nil || gen.ID == "" {
		return ErrInvalidInput
	}

	rec, err := toRecord(gen)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// GetGeneration retrieves a generation by id.
func (s *GormStore) GetGeneration(ctx context.Context, id string) (*types.Generation, error) {
	var rec generationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// ListBySession returns generations for a session, newest first.
func (s *GormStore) ListBySession(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(normalizeLimit(limit))

	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}

	var recs []generationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	result := make([]*types.Generation, 0, len(recs))
	for i := range recs {
		gen, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, gen)
	}
	return result, nil
}

// SearchGenerations matches prompts by substring, newest first.
func (s *GormStore) SearchGenerations(ctx context.Context, query string, limit int) ([]*types.Generation, error) {
	pattern := "%" + query + "%"

	var recs []generationRecord
	err := s.db.WithContext(ctx).
		Where("prompt LIKE ? OR enhanced_prompt LIKE ?", pattern, pattern).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	result := make([]*types.Generation, 0, len(recs))
	for i := range recs {
		gen, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, gen)
	}
	return result, nil
}

// PutSession upserts a session record.
func (s *GormStore) PutSession(ctx context.Context, sess *types.Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidInput
	}

	rec := &sessionRecord{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// GetSession retrieves a session by id.
func (s *GormStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &types.Session{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		LastActiveAt: rec.LastActiveAt,
	}, nil
}

// TouchSession bumps a session's LastActiveAt.
func (s *GormStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Where("id = ?", id).
		Update("last_active_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure GormStore implements Store
var _ Store = (*GormStore)(nil)
