package repository

import (
	"edu_struggle_engine/internal/model"
	"time"

	"gorm.io/gorm"
)

type AlertRepository struct {
	DB *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{DB: db}
}

// UpsertOpen 幂等写入：同一 (course, student, type) 已有未关闭告警时只刷新统计，不新建
func (r *AlertRepository) UpsertOpen(alert *model.InstructorAlert) (created bool, err error) {
	var existing model.InstructorAlert
	err = r.DB.Where(
		"course_id = ? AND student_id = ? AND type = ? AND status IN ?",
		alert.CourseID, alert.StudentID, alert.Type,
		model.OpenAlertStatuses,
	).First(&existing).Error

	if err == gorm.ErrRecordNotFound {
		if err := r.DB.Create(alert).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	return false, r.DB.Model(&existing).Updates(map[string]interface{}{
		"severity":            alert.Severity,
		"risk_score":          alert.RiskScore,
		"struggle_count":      alert.StruggleCount,
		"intervention_count":  alert.InterventionCount,
		"suppressed_count":    alert.SuppressedCount,
		"student_count":       alert.StudentCount,
		"specific_concerns":   alert.SpecificConcerns,
		"recommended_actions": alert.RecommendedActions,
		"window_start":        alert.WindowStart,
		"window_end":          alert.WindowEnd,
	}).Error
}

func (r *AlertRepository) FindByID(id string) (*model.InstructorAlert, error) {
	var alert model.InstructorAlert
	err := r.DB.Where("id = ?", id).First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

type AlertFilter struct {
	TenantID string
	CourseID string
	Severity model.AlertSeverity
	Status   model.AlertStatus
	Page     int
	Limit    int
}

func (r *AlertRepository) List(filter AlertFilter) ([]model.InstructorAlert, int64, error) {
	query := r.DB.Model(&model.InstructorAlert{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.CourseID != "" {
		query = query.Where("course_id = ?", filter.CourseID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 20
	}

	var alerts []model.InstructorAlert
	err := query.Order("created_at desc").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&alerts).Error
	return alerts, total, err
}

func (r *AlertRepository) UpdateStatus(id string, status model.AlertStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case model.AlertAcknowledged:
		updates["acknowledged_at"] = now
	case model.AlertResolved, model.AlertDismissed:
		updates["resolved_at"] = now
	}
	res := r.DB.Model(&model.InstructorAlert{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteByStudent 撤回同意时个人告警直接删除（匿名聚合告警不含身份，保留）
func (r *AlertRepository) DeleteByStudent(tenantID, studentID string) error {
	return r.DB.Unscoped().
		Where("tenant_id = ? AND student_id = ?", tenantID, studentID).
		Delete(&model.InstructorAlert{}).Error
}

func (r *AlertRepository) DeleteOlderThan(tenantID string, cutoff time.Time) (int64, error) {
	res := r.DB.Unscoped().
		Where("tenant_id = ? AND created_at < ? AND status IN ?", tenantID, cutoff,
			[]model.AlertStatus{model.AlertResolved, model.AlertDismissed}).
		Delete(&model.InstructorAlert{})
	return res.RowsAffected, res.Error
}

func (r *AlertRepository) CountByStudent(tenantID, studentID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.InstructorAlert{}).
		Where("tenant_id = ? AND student_id = ?", tenantID, studentID).Count(&count).Error
	return count, err
}
