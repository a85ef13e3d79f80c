package repository

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"time"

	"gorm.io/gorm"
)

type InterventionRepository struct {
	DB *gorm.DB
}

func NewInterventionRepository(db *gorm.DB) *InterventionRepository {
	return &InterventionRepository{DB: db}
}

func (r *InterventionRepository) Create(rec *model.InterventionRecord) error {
	return r.DB.Create(rec).Error
}

func (r *InterventionRepository) FindByID(id string) (*model.InterventionRecord, error) {
	var rec model.InterventionRecord
	err := r.DB.Where("id = ?", id).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *InterventionRepository) MarkDelivered(id string, at time.Time) error {
	return r.DB.Model(&model.InterventionRecord{}).
		Where("id = ? AND status = ?", id, model.InterventionTriggered).
		Updates(map[string]interface{}{
			"status":       model.InterventionDelivered,
			"delivered_at": at,
		}).Error
}

// RecordResponse 响应回调按 interventionId 幂等更新，已完成的记录不再改写
func (r *InterventionRepository) RecordResponse(id string, response model.UserResponse, at time.Time) error {
	res := r.DB.Model(&model.InterventionRecord{}).
		Where("id = ? AND status <> ?", id, model.InterventionCompleted).
		Updates(map[string]interface{}{
			"status":        model.InterventionCompleted,
			"user_response": response,
			"responded_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // 重复回调，忽略
	}
	return nil
}

// TimeoutStale 已投递但超时未响应的记录统一落为 timeout 响应
func (r *InterventionRepository) TimeoutStale(deliveredBefore time.Time, at time.Time) (int64, error) {
	res := r.DB.Model(&model.InterventionRecord{}).
		Where("status = ? AND delivered_at < ?", model.InterventionDelivered, deliveredBefore).
		Updates(map[string]interface{}{
			"status":        model.InterventionCompleted,
			"user_response": model.ResponseTimeout,
			"responded_at":  at,
		})
	return res.RowsAffected, res.Error
}

func (r *InterventionRepository) UpdateEffectiveness(id string, score float64) error {
	return r.DB.Model(&model.InterventionRecord{}).
		Where("id = ?", id).
		Update("effectiveness_score", score).Error
}

// TriggeredTimestampsSince 重建用户限频状态：拉取窗口内触发时间与类型
func (r *InterventionRepository) TriggeredTimestampsSince(tenantID, userID string, since time.Time) ([]model.InterventionRecord, error) {
	var recs []model.InterventionRecord
	err := r.DB.Select("id, type, triggered_at").
		Where("tenant_id = ? AND user_id = ? AND triggered_at >= ?", tenantID, userID, since).
		Order("triggered_at asc").Find(&recs).Error
	return recs, err
}

func (r *InterventionRepository) ListByUser(tenantID, userID string, limit int) ([]model.InterventionRecord, error) {
	var recs []model.InterventionRecord
	err := r.DB.Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("triggered_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// StudentInterventionStat 告警聚合的每学生干预汇总
type StudentInterventionStat struct {
	UserID    string `json:"userId"`
	Delivered int    `json:"delivered"`
	Total     int    `json:"total"`
}

func (r *InterventionRepository) StatsByCourse(courseID string, windowStart time.Time) ([]StudentInterventionStat, error) {
	var stats []StudentInterventionStat
	err := r.DB.Model(&model.InterventionRecord{}).
		Select("user_id, SUM(CASE WHEN status <> 'triggered' THEN 1 ELSE 0 END) as delivered, COUNT(*) as total").
		Where("course_id = ? AND triggered_at >= ? AND anonymized_at IS NULL", courseID, windowStart).
		Group("user_id").
		Scan(&stats).Error
	return stats, err
}

func (r *InterventionRepository) AnonymizeByUser(tenantID, userID string) error {
	now := time.Now()
	return r.DB.Model(&model.InterventionRecord{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Updates(map[string]interface{}{
			"user_id":       util.AnonymizedUserTag,
			"anonymized_at": now,
		}).Error
}

func (r *InterventionRepository) AnonymizeOlderThan(tenantID string, cutoff time.Time) (int64, error) {
	now := time.Now()
	res := r.DB.Model(&model.InterventionRecord{}).
		Where("tenant_id = ? AND triggered_at < ? AND anonymized_at IS NULL", tenantID, cutoff).
		Updates(map[string]interface{}{
			"user_id":       util.AnonymizedUserTag,
			"anonymized_at": now,
		})
	return res.RowsAffected, res.Error
}

func (r *InterventionRepository) CountIdentifiableByUser(tenantID, userID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.InterventionRecord{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).Count(&count).Error
	return count, err
}
