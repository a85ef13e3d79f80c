package model

import (
	"time"
)

type InterventionType string

const (
	InterventionProactiveChat     InterventionType = "proactive_chat"
	InterventionContentSuggestion InterventionType = "content_suggestion"
	InterventionBreakReminder     InterventionType = "break_reminder"
	InterventionHelpOffer         InterventionType = "help_offer"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

type InterventionStatus string

const (
	InterventionTriggered InterventionStatus = "triggered"
	InterventionDelivered InterventionStatus = "delivered"
	InterventionCompleted InterventionStatus = "completed"
)

type UserResponse string

const (
	ResponseAccepted  UserResponse = "accepted"
	ResponseDismissed UserResponse = "dismissed"
	ResponseIgnored   UserResponse = "ignored"
	ResponseTimeout   UserResponse = "timeout"
)

func ValidUserResponse(r UserResponse) bool {
	switch r {
	case ResponseAccepted, ResponseDismissed, ResponseIgnored, ResponseTimeout:
		return true
	}
	return false
}

// swagger:model InterventionRecord
type InterventionRecord struct {
	UUIDBase
	SessionID            string             `gorm:"size:64;index" json:"sessionId"`
	UserID               string             `gorm:"size:64;index:idx_intervention_user" json:"userId"`
	TenantID             string             `gorm:"size:64;index;not null" json:"tenantId"`
	CourseID             string             `gorm:"size:64;index" json:"courseId"`
	StruggleAssessmentID *string            `gorm:"size:36;index" json:"struggleAssessmentId,omitempty"`
	Type                 InterventionType   `gorm:"size:32;not null" json:"type"`
	Urgency              Urgency            `gorm:"size:16;not null" json:"urgency"`
	Status               InterventionStatus `gorm:"size:16;not null;default:'triggered'" json:"status"`
	SuggestedIntent      string             `gorm:"size:255" json:"suggestedMessageIntent"`
	TriggeredAt          time.Time          `gorm:"index;not null" json:"triggeredAt"`
	DeliveredAt          *time.Time         `json:"deliveredAt,omitempty"`
	UserResponse         *UserResponse      `gorm:"size:16" json:"userResponse,omitempty"`
	RespondedAt          *time.Time         `json:"respondedAt,omitempty"`
	EffectivenessScore   *float64           `json:"effectivenessScore,omitempty"`
	EngagementBefore     float64            `json:"-"` // 触发时的注意力基线，用于事后效果评估
	PurgeAt              *time.Time         `gorm:"index" json:"-"`
	AnonymizedAt         *time.Time         `json:"-"`
}

func (InterventionRecord) TableName() string {
	return "proactive_interventions"
}

// SuppressionReason 决策引擎未触发干预时的归因，属于正常控制流而非错误
type SuppressionReason string

const (
	SuppressBelowThreshold SuppressionReason = "below_threshold"
	SuppressLowConfidence  SuppressionReason = "low_confidence"
	SuppressDailyCap       SuppressionReason = "daily_cap"
	SuppressCooldown       SuppressionReason = "cooldown"
	SuppressNoConsent      SuppressionReason = "no_consent"
	SuppressBudgetExceeded SuppressionReason = "budget_exceeded"
)
