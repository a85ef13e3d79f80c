package model

import (
	"time"
)

type SignalType string

const (
	SignalHover           SignalType = "hover"
	SignalScroll          SignalType = "scroll"
	SignalIdle            SignalType = "idle"
	SignalClick           SignalType = "click"
	SignalHelpRequest     SignalType = "help_request"
	SignalQuizInteraction SignalType = "quiz_interaction"
	SignalPageLeave       SignalType = "page_leave"
	SignalFocusChange     SignalType = "focus_change"
)

// ValidSignalType 校验信号类型是否为已知类型
func ValidSignalType(t SignalType) bool {
	switch t {
	case SignalHover, SignalScroll, SignalIdle, SignalClick,
		SignalHelpRequest, SignalQuizInteraction, SignalPageLeave, SignalFocusChange:
		return true
	}
	return false
}

// MaxSignalDurationMs 超过 5 分钟的信号视为损坏或重放
const MaxSignalDurationMs = 300000

// swagger:model BehavioralSignal
type BehavioralSignal struct {
	UUIDBase
	SessionID       string     `gorm:"size:64;index:idx_signal_session;not null" json:"sessionId"`
	UserID          string     `gorm:"size:64;index:idx_signal_user" json:"userId"`
	TenantID        string     `gorm:"size:64;index:idx_signal_tenant;not null" json:"tenantId"`
	CourseID        string     `gorm:"size:64;index" json:"courseId"`
	Type            SignalType `gorm:"size:32;not null" json:"type"`
	DurationMs      int        `gorm:"not null" json:"durationMs"`
	ElementContext  string     `gorm:"size:255" json:"elementContext"`
	PageContentHash string     `gorm:"size:64" json:"pageContentHash"`
	IsError         bool       `gorm:"default:false" json:"isError"` // quiz_interaction 答错时为 true
	Timestamp       time.Time  `gorm:"index;not null" json:"timestamp"`
	Origin          string     `gorm:"size:255" json:"origin"`
	PurgeAt         *time.Time `gorm:"index" json:"-"`
	AnonymizedAt    *time.Time `json:"-"`
}

func (BehavioralSignal) TableName() string {
	return "behavioral_signals"
}

// SignalSubmission 上报接口的原始载荷，经校验后转换为 BehavioralSignal
type SignalSubmission struct {
	SessionID       string     `json:"sessionId" binding:"required"`
	UserID          string     `json:"userId" binding:"required"`
	TenantID        string     `json:"tenantId" binding:"required"`
	CourseID        string     `json:"courseId"`
	Type            SignalType `json:"type" binding:"required"`
	DurationMs      int        `json:"durationMs"`
	ElementContext  string     `json:"elementContext"`
	PageContentHash string     `json:"pageContentHash"`
	IsError         bool       `json:"isError"`
	Timestamp       int64      `json:"timestamp" binding:"required"` // Unix 毫秒
	Nonce           string     `json:"nonce" binding:"required"`
	Signature       string     `json:"signature" binding:"required"`
}
