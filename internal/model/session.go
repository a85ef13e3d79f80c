package model

import (
	"time"
)

// SessionFeatures 会话滚动窗口上聚合出的行为特征，全部由所属 actor 单线程维护
type SessionFeatures struct {
	SampleCount          int     `json:"sampleCount"`
	WindowSeconds        float64 `json:"windowSeconds"`
	AvgResponseTimeMs    float64 `json:"avgResponseTimeMs"`
	ResponseTimeVariance float64 `json:"responseTimeVariance"`
	HelpRequestRate      float64 `json:"helpRequestRate"` // 次/分钟
	ErrorRate            float64 `json:"errorRate"`       // 答题错误占比 0..1
	IdleCount            int     `json:"idleCount"`
	IdleRate             float64 `json:"idleRate"` // 次/分钟
	AvgIdleMs            float64 `json:"avgIdleMs"`
	AvgHoverMs           float64 `json:"avgHoverMs"`
	TaskSwitchRate       float64 `json:"taskSwitchRate"` // focus_change + page_leave 次/分钟
	AttentionScore       float64 `json:"attentionScore"` // 0..1
	FatigueScore         float64 `json:"fatigueScore"`   // 0..1
	CognitiveLoadScore   float64 `json:"cognitiveLoadScore"`
}

// SessionSnapshot 会话关闭或过期时落库的最终状态
// swagger:model
type SessionSnapshot struct {
	UUIDBase
	SessionID    string     `gorm:"size:64;uniqueIndex;not null" json:"sessionId"`
	UserID       string     `gorm:"size:64;index" json:"userId"`
	TenantID     string     `gorm:"size:64;index;not null" json:"tenantId"`
	CourseID     string     `gorm:"size:64;index" json:"courseId"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      time.Time  `json:"endedAt"`
	SignalCount  int        `json:"signalCount"`
	CloseReason  string     `gorm:"size:32" json:"closeReason"` // explicit / idle_expired / shutdown
	FinalRisk    float64    `json:"finalRisk"`
	PurgeAt      *time.Time `gorm:"index" json:"-"`
	AnonymizedAt *time.Time `json:"-"`
}

func (SessionSnapshot) TableName() string {
	return "session_snapshots"
}
