package repository

import (
	"edu_struggle_engine/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConsentRepository struct {
	DB *gorm.DB
}

func NewConsentRepository(db *gorm.DB) *ConsentRepository {
	return &ConsentRepository{DB: db}
}

func (r *ConsentRepository) FindByTenantUser(tenantID, userID string) (*model.ConsentRecord, error) {
	var rec model.ConsentRecord
	err := r.DB.Where("tenant_id = ? AND user_id = ?", tenantID, userID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert 以 (tenant_id, user_id) 为键写入同意记录
func (r *ConsentRepository) Upsert(rec *model.ConsentRecord) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"behavioral_timing", "assessment_patterns", "chat_interactions",
			"cross_course_correlation", "anonymized_analytics",
			"collection_level", "retention_days", "withdrawn_at", "updated_at",
		}),
	}).Create(rec).Error
}

// SetScope 单范围授权变更；记录不存在时创建
func (r *ConsentRepository) SetScope(tenantID, userID string, scope model.ConsentScope, granted bool) error {
	rec, err := r.FindByTenantUser(tenantID, userID)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		rec = &model.ConsentRecord{TenantID: tenantID, UserID: userID}
	}
	rec.SetScope(scope, granted)
	return r.Upsert(rec)
}

// MarkWithdrawn 整体撤回，所有范围即刻失效
func (r *ConsentRepository) MarkWithdrawn(tenantID, userID string) error {
	now := time.Now()
	rec, err := r.FindByTenantUser(tenantID, userID)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		rec = &model.ConsentRecord{TenantID: tenantID, UserID: userID}
	}
	rec.WithdrawnAt = &now
	rec.BehavioralTiming = false
	rec.AssessmentPatterns = false
	rec.ChatInteractions = false
	rec.CrossCourseCorrelation = false
	rec.AnonymizedAnalytics = false
	return r.Upsert(rec)
}

// ListRetentionOverrides 有独立留存期（retention_days > 0）的用户，清理时不走租户默认值
func (r *ConsentRepository) ListRetentionOverrides(tenantID string) ([]model.ConsentRecord, error) {
	var recs []model.ConsentRecord
	err := r.DB.Where("tenant_id = ? AND retention_days > 0", tenantID).Find(&recs).Error
	return recs, err
}

// ListWithdrawn 留存扫描兜底：捞出已撤回但数据尚未清完的用户
func (r *ConsentRepository) ListWithdrawn(limit int) ([]model.ConsentRecord, error) {
	var recs []model.ConsentRecord
	err := r.DB.Where("withdrawn_at IS NOT NULL").Limit(limit).Find(&recs).Error
	return recs, err
}
