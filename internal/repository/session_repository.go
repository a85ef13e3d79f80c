package repository

import (
	"edu_struggle_engine/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepository struct {
	DB *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

// SaveSnapshot 会话关闭/过期时落库，at-least-once 投递下按 session_id upsert
func (r *SessionRepository) SaveSnapshot(snap *model.SessionSnapshot) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ended_at", "signal_count", "close_reason", "final_risk", "updated_at",
		}),
	}).Create(snap).Error
}

func (r *SessionRepository) FindBySessionID(sessionID string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	err := r.DB.Where("session_id = ?", sessionID).First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *SessionRepository) DeleteByUser(tenantID, userID string) error {
	return r.DB.Unscoped().
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Delete(&model.SessionSnapshot{}).Error
}

func (r *SessionRepository) DeleteOlderThan(tenantID string, cutoff time.Time, excludeUserIDs []string) (int64, error) {
	q := r.DB.Unscoped().Where("tenant_id = ? AND ended_at < ?", tenantID, cutoff)
	if len(excludeUserIDs) > 0 {
		q = q.Where("user_id NOT IN ?", excludeUserIDs)
	}
	res := q.Delete(&model.SessionSnapshot{})
	return res.RowsAffected, res.Error
}

func (r *SessionRepository) DeleteOlderThanForUser(tenantID, userID string, cutoff time.Time) (int64, error) {
	res := r.DB.Unscoped().
		Where("tenant_id = ? AND user_id = ? AND ended_at < ?", tenantID, userID, cutoff).
		Delete(&model.SessionSnapshot{})
	return res.RowsAffected, res.Error
}

func (r *SessionRepository) CountByUser(tenantID, userID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.SessionSnapshot{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).Count(&count).Error
	return count, err
}
