package repository

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"time"

	"gorm.io/gorm"
)

type AssessmentRepository struct {
	DB *gorm.DB
}

func NewAssessmentRepository(db *gorm.DB) *AssessmentRepository {
	return &AssessmentRepository{DB: db}
}

func (r *AssessmentRepository) Create(a *model.StruggleAssessment) error {
	return r.DB.Create(a).Error
}

func (r *AssessmentRepository) FindByID(id string) (*model.StruggleAssessment, error) {
	var a model.StruggleAssessment
	err := r.DB.Where("id = ?", id).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// StudentStruggleStat 告警聚合查询的每学生汇总行
type StudentStruggleStat struct {
	UserID        string  `json:"userId"`
	TenantID      string  `json:"tenantId"`
	StruggleCount int     `json:"struggleCount"`
	AvgRisk       float64 `json:"avgRisk"`
	MaxRisk       float64 `json:"maxRisk"`
	Factors       string  `json:"factors"`
}

// StruggleStatsByCourse 统计窗口内某课程各学生的挣扎事件，仅统计超过风险线的评估。
// tenant_id 随行带出，后续的同意校验与告警落库都以它为准。
func (r *AssessmentRepository) StruggleStatsByCourse(courseID string, windowStart time.Time, riskFloor float64) ([]StudentStruggleStat, error) {
	var stats []StudentStruggleStat
	err := r.DB.Model(&model.StruggleAssessment{}).
		Select("user_id, tenant_id, COUNT(*) as struggle_count, AVG(risk_level) as avg_risk, MAX(risk_level) as max_risk, GROUP_CONCAT(contributing_factors) as factors").
		Where("course_id = ? AND computed_at >= ? AND risk_level >= ? AND anonymized_at IS NULL", courseID, windowStart, riskFloor).
		Group("user_id, tenant_id").
		Scan(&stats).Error
	return stats, err
}

// ListCourseIDs 窗口内产生过挣扎事件的课程
func (r *AssessmentRepository) ListCourseIDs(windowStart time.Time) ([]string, error) {
	var ids []string
	err := r.DB.Model(&model.StruggleAssessment{}).
		Where("computed_at >= ? AND course_id <> ''", windowStart).
		Distinct("course_id").Pluck("course_id", &ids).Error
	return ids, err
}

// AnonymizeByUser 撤回同意时保留聚合统计，只抹去身份
func (r *AssessmentRepository) AnonymizeByUser(tenantID, userID string) error {
	now := time.Now()
	return r.DB.Model(&model.StruggleAssessment{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Updates(map[string]interface{}{
			"user_id":       util.AnonymizedUserTag,
			"anonymized_at": now,
		}).Error
}

// AnonymizeOlderThan 留存到期匿名化（不删除，保聚合）
func (r *AssessmentRepository) AnonymizeOlderThan(tenantID string, cutoff time.Time) (int64, error) {
	now := time.Now()
	res := r.DB.Model(&model.StruggleAssessment{}).
		Where("tenant_id = ? AND computed_at < ? AND anonymized_at IS NULL", tenantID, cutoff).
		Updates(map[string]interface{}{
			"user_id":       util.AnonymizedUserTag,
			"anonymized_at": now,
		})
	return res.RowsAffected, res.Error
}

func (r *AssessmentRepository) CountIdentifiableByUser(tenantID, userID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.StruggleAssessment{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).Count(&count).Error
	return count, err
}
