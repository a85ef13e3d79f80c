package repository

import (
	"edu_struggle_engine/internal/model"
	"time"

	"gorm.io/gorm"
)

type SignalRepository struct {
	DB *gorm.DB
}

func NewSignalRepository(db *gorm.DB) *SignalRepository {
	return &SignalRepository{DB: db}
}

func (r *SignalRepository) Create(signal *model.BehavioralSignal) error {
	return r.DB.Create(signal).Error
}

// CreateBatch 审计落库走批量写，降低热路径对存储的压力
func (r *SignalRepository) CreateBatch(signals []*model.BehavioralSignal) error {
	if len(signals) == 0 {
		return nil
	}
	return r.DB.CreateInBatches(signals, 100).Error
}

func (r *SignalRepository) CountByUser(tenantID, userID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.BehavioralSignal{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).Count(&count).Error
	return count, err
}

// DeleteByUser 同意撤回清除：物理删除该用户全部信号
func (r *SignalRepository) DeleteByUser(tenantID, userID string) error {
	return r.DB.Unscoped().
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Delete(&model.BehavioralSignal{}).Error
}

// DeleteOlderThan 留存到期清除，按租户隔离执行；excludeUserIDs 留给有独立留存期的用户
func (r *SignalRepository) DeleteOlderThan(tenantID string, cutoff time.Time, excludeUserIDs []string) (int64, error) {
	q := r.DB.Unscoped().Where("tenant_id = ? AND timestamp < ?", tenantID, cutoff)
	if len(excludeUserIDs) > 0 {
		q = q.Where("user_id NOT IN ?", excludeUserIDs)
	}
	res := q.Delete(&model.BehavioralSignal{})
	return res.RowsAffected, res.Error
}

func (r *SignalRepository) DeleteOlderThanForUser(tenantID, userID string, cutoff time.Time) (int64, error) {
	res := r.DB.Unscoped().
		Where("tenant_id = ? AND user_id = ? AND timestamp < ?", tenantID, userID, cutoff).
		Delete(&model.BehavioralSignal{})
	return res.RowsAffected, res.Error
}

// ListByUser 清除前的归档导出用
func (r *SignalRepository) ListByUser(tenantID, userID string, limit int) ([]model.BehavioralSignal, error) {
	var signals []model.BehavioralSignal
	err := r.DB.Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("timestamp asc").Limit(limit).Find(&signals).Error
	return signals, err
}

func (r *SignalRepository) ListTenantIDs() ([]string, error) {
	var ids []string
	err := r.DB.Model(&model.BehavioralSignal{}).
		Distinct("tenant_id").Pluck("tenant_id", &ids).Error
	return ids, err
}
