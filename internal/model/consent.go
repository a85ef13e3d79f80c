package model

import (
	"time"
)

// ConsentScope 独立可撤销的数据使用授权范围
type ConsentScope string

const (
	ScopeBehavioralTiming       ConsentScope = "behavioral_timing"
	ScopeAssessmentPatterns     ConsentScope = "assessment_patterns"
	ScopeChatInteractions       ConsentScope = "chat_interactions"
	ScopeCrossCourseCorrelation ConsentScope = "cross_course_correlation"
	ScopeAnonymizedAnalytics    ConsentScope = "anonymized_analytics"
)

func ValidConsentScope(s ConsentScope) bool {
	switch s {
	case ScopeBehavioralTiming, ScopeAssessmentPatterns, ScopeChatInteractions,
		ScopeCrossCourseCorrelation, ScopeAnonymizedAnalytics:
		return true
	}
	return false
}

type CollectionLevel string

const (
	CollectionMinimal       CollectionLevel = "minimal"
	CollectionStandard      CollectionLevel = "standard"
	CollectionComprehensive CollectionLevel = "comprehensive"
)

// swagger:model ConsentRecord
type ConsentRecord struct {
	BaseModel
	TenantID                string          `gorm:"size:64;uniqueIndex:idx_consent_tenant_user;not null" json:"tenantId"`
	UserID                  string          `gorm:"size:64;uniqueIndex:idx_consent_tenant_user;not null" json:"userId"`
	BehavioralTiming        bool            `gorm:"default:false" json:"behavioralTiming"`
	AssessmentPatterns      bool            `gorm:"default:false" json:"assessmentPatterns"`
	ChatInteractions        bool            `gorm:"default:false" json:"chatInteractions"`
	CrossCourseCorrelation  bool            `gorm:"default:false" json:"crossCourseCorrelation"`
	AnonymizedAnalytics     bool            `gorm:"default:false" json:"anonymizedAnalytics"`
	CollectionLevel         CollectionLevel `gorm:"size:16;default:'standard'" json:"collectionLevel"`
	RetentionDays           int             `gorm:"default:0" json:"retentionDays"` // 0 表示沿用租户默认
	WithdrawnAt             *time.Time      `gorm:"index" json:"withdrawnAt,omitempty"`
}

func (ConsentRecord) TableName() string {
	return "privacy_consent"
}

// HasScope 撤回后一律视为未授权
func (c *ConsentRecord) HasScope(scope ConsentScope) bool {
	if c.WithdrawnAt != nil {
		return false
	}
	switch scope {
	case ScopeBehavioralTiming:
		return c.BehavioralTiming
	case ScopeAssessmentPatterns:
		return c.AssessmentPatterns
	case ScopeChatInteractions:
		return c.ChatInteractions
	case ScopeCrossCourseCorrelation:
		return c.CrossCourseCorrelation
	case ScopeAnonymizedAnalytics:
		return c.AnonymizedAnalytics
	}
	return false
}

func (c *ConsentRecord) SetScope(scope ConsentScope, granted bool) {
	switch scope {
	case ScopeBehavioralTiming:
		c.BehavioralTiming = granted
	case ScopeAssessmentPatterns:
		c.AssessmentPatterns = granted
	case ScopeChatInteractions:
		c.ChatInteractions = granted
	case ScopeCrossCourseCorrelation:
		c.CrossCourseCorrelation = granted
	case ScopeAnonymizedAnalytics:
		c.AnonymizedAnalytics = granted
	}
}

// PurgeTask 同意撤回后入队的清除任务
type PurgeTask struct {
	TenantID   string    `json:"tenantId"`
	UserID     string    `json:"userId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}
