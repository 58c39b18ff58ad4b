package repository

import (
	"context"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// HistoryRepositoryImpl persists edit operations and chat messages so a
// session's history outlives the process. The live engine treats these
// writes as best effort and never reads them on the hot path.
type HistoryRepositoryImpl struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepositoryImpl {
	return &HistoryRepositoryImpl{db: db}
}

// SaveOperation stores one operation record.
func (r *HistoryRepositoryImpl) SaveOperation(ctx context.Context, rec *models.OperationRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}
	return nil
}

// SaveChatMessage stores one chat message record.
func (r *HistoryRepositoryImpl) SaveChatMessage(ctx context.Context, rec *models.ChatMessageRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store chat message: %w", err)
	}
	return nil
}

// GetSessionOperations loads a session's persisted operations in
// sequence order. Used by offline tooling and audits rather than the
// live broadcast path.
func (r *HistoryRepositoryImpl) GetSessionOperations(ctx context.Context, sessionID string) ([]*models.OperationRecord, error) {
	var recs []*models.OperationRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	return recs, nil
}

// GetSessionChat loads a session's persisted chat log, oldest first.
func (r *HistoryRepositoryImpl) GetSessionChat(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessageRecord, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []*models.ChatMessageRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return recs, nil
}
