package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// WorkerRecord is the durable mirror of a registry entry. The registry
// index lives in coordinator memory; this row lets a restarted
// coordinator rebuild it without waiting a full heartbeat interval.
type WorkerRecord struct {
	WorkerID           string  `gorm:"primaryKey;size:255" json:"worker_id"`
	WorkerType         string  `gorm:"size:32;index" json:"worker_type"`
	EndpointURL        string  `json:"endpoint_url"`
	Capabilities       string  `gorm:"type:text" json:"capabilities"`
	State              string  `gorm:"size:32;index" json:"state"`
	CurrentOperationID *string `json:"current_operation_id,omitempty"`
	Version            string  `gorm:"size:64" json:"version,omitempty"`
	LastHeartbeatAt    time.Time
	RegisteredAt       time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName keeps the table name stable regardless of pluralization
// settings.
func (WorkerRecord) TableName() string { return "workers" }

// WorkerStore persists worker records through GORM.
type WorkerStore struct {
	db *gorm.DB
}

// NewWorkerStore opens a GORM connection and migrates the workers
// table.
func NewWorkerStore(pgURL string) (*WorkerStore, error) {
	gdb, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open worker store: %w", err)
	}
	if err := gdb.AutoMigrate(&WorkerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate workers table: %w", err)
	}

	return &WorkerStore{db: gdb}, nil
}

// Save inserts or replaces a worker record by primary key.
func (s *WorkerStore) Save(ctx context.Context, rec *WorkerRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save worker %s: %w", rec.WorkerID, err)
	}

	return nil
}

// Get returns a worker record, or nil when none exists.
func (s *WorkerStore) Get(ctx context.Context, workerID string) (*WorkerRecord, error) {
	var rec WorkerRecord
	err := s.db.WithContext(ctx).First(&rec, "worker_id = ?", workerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker %s: %w", workerID, err)
	}

	return &rec, nil
}

// LoadAll returns every persisted worker record.
func (s *WorkerStore) LoadAll(ctx context.Context) ([]*WorkerRecord, error) {
	var recs []*WorkerRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load workers: %w", err)
	}

	return recs, nil
}

// Delete removes a worker record.
func (s *WorkerStore) Delete(ctx context.Context, workerID string) error {
	err := s.db.WithContext(ctx).Delete(&WorkerRecord{}, "worker_id = ?", workerID).Error
	if err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", workerID, err)
	}

	return nil
}

// Close releases the underlying SQL connection pool.
func (s *WorkerStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
