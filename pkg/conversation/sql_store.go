package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// checkpointRecord is the row layout of the checkpoints table.
type checkpointRecord struct {
	Key           string    `gorm:"primaryKey;size:300"`
	Origin        string    `gorm:"size:32;not null"`
	ThreadID      string    `gorm:"size:256;not null"`
	OwnerID       string    `gorm:"size:128"`
	Payload       []byte    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	LastTouchedAt time.Time `gorm:"index;not null"`
}

func (checkpointRecord) TableName() string {
	return "conversation_checkpoints"
}

// SQLStore keeps checkpoints in PostgreSQL through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens a PostgreSQL connection and migrates the checkpoints table.
func NewSQLStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewSQLStoreFromDB(db)
}

// NewSQLStoreFromDB wraps an existing gorm handle and migrates the table.
func NewSQLStoreFromDB(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("conversation: gorm db must not be nil")
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Get loads the row for key.
func (s *SQLStore) Get(ctx context.Context, key Key) (*Checkpoint, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	var rec checkpointRecord
	err := s.db.WithContext(ctx).Where("key = ?", key.String()).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint row: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(rec.Payload, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Put upserts the row for cp.
func (s *SQLStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	rec := checkpointRecord{
		Key:           cp.Key().String(),
		Origin:        string(cp.Origin),
		ThreadID:      cp.ThreadID,
		OwnerID:       cp.OwnerID,
		Payload:       payload,
		CreatedAt:     cp.CreatedAt.UTC(),
		LastTouchedAt: cp.LastTouchedAt.UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "payload", "last_touched_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert checkpoint row: %w", err)
	}
	return nil
}

// Sweep deletes rows last touched before olderThan.
func (s *SQLStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("last_touched_at < ?", olderThan.UTC()).Delete(&checkpointRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
