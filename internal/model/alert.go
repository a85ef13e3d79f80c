package model

import (
	"time"
)

type AlertType string

const (
	AlertRepeatedStruggle  AlertType = "repeated_struggle"
	AlertHighRisk          AlertType = "high_risk"
	AlertDisengagement     AlertType = "disengagement"
	AlertCourseWideAnomaly AlertType = "course_wide_anomaly"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertInProgress   AlertStatus = "in_progress"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// OpenAlertStatuses 未关闭状态，聚合器在这些状态上做幂等 upsert
var OpenAlertStatuses = []AlertStatus{AlertNew, AlertAcknowledged, AlertInProgress}

// swagger:model InstructorAlert
type InstructorAlert struct {
	UUIDBase
	TenantID           string        `gorm:"size:64;index;not null" json:"tenantId"`
	CourseID           string        `gorm:"size:64;index:idx_alert_course;not null" json:"courseId"`
	InstructorID       string        `gorm:"size:64;index" json:"instructorId"`
	StudentID          string        `gorm:"size:64;index:idx_alert_student" json:"studentId"` // 匿名聚合告警时为空
	Anonymized         bool          `gorm:"default:false" json:"anonymized"`
	Type               AlertType     `gorm:"size:32;index:idx_alert_student;not null" json:"alertType"`
	Severity           AlertSeverity `gorm:"size:16;not null" json:"severity"`
	Status             AlertStatus   `gorm:"size:16;not null;default:'new'" json:"status"`
	RiskScore          float64       `json:"riskScore"`
	StruggleCount      int           `json:"struggleCount"`
	InterventionCount  int           `json:"interventionCount"`
	SuppressedCount    int           `json:"suppressedCount"`
	StudentCount       int           `json:"studentCount"` // 匿名聚合告警覆盖的学生数
	SpecificConcerns   string        `gorm:"size:1024" json:"specificConcerns"`
	RecommendedActions string        `gorm:"size:1024" json:"recommendedActions"`
	WindowStart        time.Time     `gorm:"index" json:"windowStart"`
	WindowEnd          time.Time     `json:"windowEnd"`
	AcknowledgedAt     *time.Time    `json:"acknowledgedAt,omitempty"`
	ResolvedAt         *time.Time    `json:"resolvedAt,omitempty"`
	PurgeAt            *time.Time    `gorm:"index" json:"-"`
}

func (InstructorAlert) TableName() string {
	return "instructor_alerts"
}
