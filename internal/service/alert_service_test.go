package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type capturePublisher struct {
	mu     sync.Mutex
	alerts []*model.InstructorAlert
}

func (p *capturePublisher) PublishAlert(alert *model.InstructorAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		ScanInterval:      time.Minute,
		WindowHours:       24,
		StruggleThreshold: 3,
		RiskThreshold:     0.7,
		KAnonymityFloor:   5,
		QueryTimeout:      5 * time.Second,
	}
}

func newAlertFixture(t *testing.T, db *gorm.DB) (*AlertService, *capturePublisher) {
	t.Helper()
	consentRepo, _, _, assessmentRepo, interventionRepo, alertRepo := newRepos(db)
	consent := NewConsentService(consentRepo, nil, nil)
	publisher := &capturePublisher{}
	svc := NewAlertService(testAlertsConfig(), assessmentRepo, interventionRepo, alertRepo, consent, publisher)
	return svc, publisher
}

func seedAssessment(t *testing.T, db *gorm.DB, tenantID, userID, courseID string, risk float64, factors ...model.ContributingFactor) {
	t.Helper()
	a := &model.StruggleAssessment{
		SessionID:    "sess-" + userID,
		UserID:       userID,
		TenantID:     tenantID,
		CourseID:     courseID,
		RiskLevel:    risk,
		Confidence:   0.9,
		Factors:      factors,
		ModelVersion: "heuristic-v1",
		ComputedAt:   time.Now(),
		ValidUntil:   time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, db.Create(a).Error)
}

func TestAlertScanCreatesStudentAlert(t *testing.T) {
	db := newTestDB(t)
	svc, publisher := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeAnonymizedAnalytics)
	for i := 0; i < 3; i++ {
		seedAssessment(t, db, "tenant-1", "student-1", "course-1", 0.75, model.FactorErrorRate)
	}

	require.NoError(t, svc.Scan(context.Background()))

	alerts, total, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	alert := alerts[0]
	assert.Equal(t, "student-1", alert.StudentID)
	assert.Equal(t, model.AlertRepeatedStruggle, alert.Type)
	assert.Equal(t, model.SeverityWarning, alert.Severity)
	assert.Equal(t, model.AlertNew, alert.Status)
	assert.Equal(t, 3, alert.StruggleCount)
	assert.Contains(t, alert.SpecificConcerns, string(model.FactorErrorRate))
	assert.Equal(t, 1, publisher.count())
}

// 同一窗口重复扫描不会对未处理告警产生重复记录
func TestAlertScanIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc, publisher := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeAnonymizedAnalytics)
	for i := 0; i < 3; i++ {
		seedAssessment(t, db, "tenant-1", "student-1", "course-1", 0.8, model.FactorHelpRequestRate)
	}

	require.NoError(t, svc.Scan(context.Background()))
	require.NoError(t, svc.Scan(context.Background()))

	_, total, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, 1, publisher.count())
}

func TestAlertHighRiskClassification(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeAnonymizedAnalytics)
	seedAssessment(t, db, "tenant-1", "student-1", "course-1", 0.9, model.FactorErrorRate)

	require.NoError(t, svc.Scan(context.Background()))

	alerts, _, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertHighRisk, alerts[0].Type)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
}

func TestAlertDisengagementClassification(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeAnonymizedAnalytics)
	for i := 0; i < 3; i++ {
		seedAssessment(t, db, "tenant-1", "student-1", "course-1", 0.72, model.FactorIdleFrequency, model.FactorFatigue)
	}

	require.NoError(t, svc.Scan(context.Background()))

	alerts, _, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertDisengagement, alerts[0].Type)
}

// 未授权个体可见性的学生进入匿名池：满足 k-匿名下限时只发课程级聚合告警
func TestAlertKAnonymityAggregation(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("student-%d", i)
		for j := 0; j < 3; j++ {
			seedAssessment(t, db, "tenant-1", user, "course-1", 0.8, model.FactorErrorRate)
		}
	}

	require.NoError(t, svc.Scan(context.Background()))

	alerts, total, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	alert := alerts[0]
	assert.True(t, alert.Anonymized)
	assert.Empty(t, alert.StudentID)
	assert.Equal(t, model.AlertCourseWideAnomaly, alert.Type)
	assert.Equal(t, 5, alert.StudentCount)
	assert.InDelta(t, 0.8, alert.RiskScore, 1e-9)
}

// 匿名池未达下限时不发任何告警（个体信息也不得泄露）
func TestAlertBelowKAnonymityFloorSuppressed(t *testing.T) {
	db := newTestDB(t)
	svc, publisher := newAlertFixture(t, db)
	for i := 0; i < 4; i++ {
		user := fmt.Sprintf("student-%d", i)
		for j := 0; j < 3; j++ {
			seedAssessment(t, db, "tenant-1", user, "course-1", 0.8, model.FactorErrorRate)
		}
	}

	require.NoError(t, svc.Scan(context.Background()))

	_, total, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Equal(t, 0, publisher.count())
}

// 未过阈值的学生不触发告警
func TestAlertThresholdGate(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeAnonymizedAnalytics)
	seedAssessment(t, db, "tenant-1", "student-1", "course-1", 0.5, model.FactorErrorRate)

	require.NoError(t, svc.Scan(context.Background()))

	_, total, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

// 租户随学生的评估行带出：同课程不同租户互不串号
func TestAlertScanStampsStudentTenant(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)
	grantConsent(t, db, "tenant-a", "student-a", model.ScopeAnonymizedAnalytics)
	grantConsent(t, db, "tenant-b", "student-b", model.ScopeAnonymizedAnalytics)
	for i := 0; i < 3; i++ {
		seedAssessment(t, db, "tenant-a", "student-a", "course-1", 0.8, model.FactorErrorRate)
		seedAssessment(t, db, "tenant-b", "student-b", "course-1", 0.8, model.FactorErrorRate)
	}

	require.NoError(t, svc.Scan(context.Background()))

	byStudent := make(map[string]string)
	alerts, _, err := svc.List(repository.AlertFilter{CourseID: "course-1"})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		byStudent[a.StudentID] = a.TenantID
	}
	assert.Equal(t, "tenant-a", byStudent["student-a"])
	assert.Equal(t, "tenant-b", byStudent["student-b"])
}

func TestAlertUpdateStatus(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newAlertFixture(t, db)

	alert := &model.InstructorAlert{
		TenantID:    "tenant-1",
		CourseID:    "course-1",
		StudentID:   "student-1",
		Type:        model.AlertRepeatedStruggle,
		Severity:    model.SeverityWarning,
		Status:      model.AlertNew,
		WindowStart: time.Now().Add(-24 * time.Hour),
		WindowEnd:   time.Now(),
	}
	alert.ID = model.GenerateUUID()
	created, err := svc.AlertRepo.UpsertOpen(alert)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, svc.UpdateStatus(alert.ID, model.AlertAcknowledged, 7))
	got, err := svc.AlertRepo.FindByID(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, got.Status)
	assert.NotNil(t, got.AcknowledgedAt)

	require.NoError(t, svc.UpdateStatus(alert.ID, model.AlertResolved, 7))
	got, err = svc.AlertRepo.FindByID(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}
