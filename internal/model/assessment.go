package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type ContributingFactor string

const (
	FactorResponseVariability ContributingFactor = "response_time_variability"
	FactorIdleFrequency       ContributingFactor = "idle_frequency"
	FactorHelpRequestRate     ContributingFactor = "help_request_rate"
	FactorErrorRate           ContributingFactor = "error_rate"
	FactorHoverDuration       ContributingFactor = "hover_duration"
	FactorTaskSwitching       ContributingFactor = "task_switching"
	FactorFatigue             ContributingFactor = "fatigue"
)

// StruggleAssessment 评分器输出，落库 struggle_events 表用于审计与回溯
// swagger:model StruggleAssessment
type StruggleAssessment struct {
	UUIDBase
	SessionID           string               `gorm:"size:64;index:idx_assessment_session;not null" json:"sessionId"`
	UserID              string               `gorm:"size:64;index:idx_assessment_user" json:"userId"`
	TenantID            string               `gorm:"size:64;index;not null" json:"tenantId"`
	CourseID            string               `gorm:"size:64;index" json:"courseId"`
	RiskLevel           float64              `gorm:"not null" json:"riskLevel"`  // 0..1
	Confidence          float64              `gorm:"not null" json:"confidence"` // 0..1
	TimeToStruggleMin   *float64             `json:"estimatedTimeToStruggleMinutes,omitempty"`
	ContributingFactors string               `gorm:"size:512" json:"-"` // 逗号分隔持久化
	Factors             []ContributingFactor `gorm:"-" json:"contributingFactors"`
	ModelVersion        string               `gorm:"size:32;not null" json:"modelVersion"`
	ComputedAt          time.Time            `gorm:"index" json:"computedAt"`
	ValidUntil          time.Time            `json:"validUntil"`
	PurgeAt             *time.Time           `gorm:"index" json:"-"`
	AnonymizedAt        *time.Time           `json:"-"`
}

func (StruggleAssessment) TableName() string {
	return "struggle_events"
}

func (a *StruggleAssessment) BeforeSave(tx *gorm.DB) error {
	parts := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		parts = append(parts, string(f))
	}
	a.ContributingFactors = strings.Join(parts, ",")
	return nil
}

func (a *StruggleAssessment) AfterFind(tx *gorm.DB) error {
	a.Factors = a.Factors[:0]
	if a.ContributingFactors == "" {
		return nil
	}
	for _, p := range strings.Split(a.ContributingFactors, ",") {
		a.Factors = append(a.Factors, ContributingFactor(p))
	}
	return nil
}

// HasFactor 判断评估结果是否包含某一触发因子
func (a *StruggleAssessment) HasFactor(f ContributingFactor) bool {
	for _, x := range a.Factors {
		if x == f {
			return true
		}
	}
	return false
}
