package service

import (
	"context"
	"edu_struggle_engine/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type captureDispatcher struct {
	commands []DeliveryCommand
}

func (d *captureDispatcher) Dispatch(cmd DeliveryCommand) {
	d.commands = append(d.commands, cmd)
}

func newDecisionFixture(t *testing.T) (*DecisionService, *captureDispatcher, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	consentRepo, _, _, _, interventionRepo, _ := newRepos(db)
	consent := NewConsentService(consentRepo, nil, nil)
	dispatcher := &captureDispatcher{}
	svc := NewDecisionService(testDecisionConfig(), interventionRepo, consent, dispatcher)
	return svc, dispatcher, db
}

func testAssessment(risk, confidence float64, factors ...model.ContributingFactor) *model.StruggleAssessment {
	a := &model.StruggleAssessment{
		SessionID:    "sess-1",
		UserID:       "student-1",
		TenantID:     "tenant-1",
		CourseID:     "course-1",
		RiskLevel:    risk,
		Confidence:   confidence,
		Factors:      factors,
		ModelVersion: "heuristic-v2",
		ComputedAt:   time.Now(),
	}
	a.ID = model.GenerateUUID()
	return a
}

func TestHandleAssessmentTriggersIntervention(t *testing.T) {
	svc, dispatcher, db := newDecisionFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.9, model.FactorIdleFrequency, model.FactorErrorRate),
		model.SessionFeatures{AttentionScore: 0.6})

	require.Len(t, dispatcher.commands, 1)
	cmd := dispatcher.commands[0]
	assert.Equal(t, model.UrgencyHigh, cmd.Urgency)
	assert.Equal(t, model.InterventionContentSuggestion, cmd.Type)

	var recs []model.InterventionRecord
	require.NoError(t, db.Find(&recs).Error)
	require.Len(t, recs, 1)
	assert.Equal(t, model.InterventionTriggered, recs[0].Status)
	assert.Equal(t, 0.6, recs[0].EngagementBefore)
}

func TestHandleAssessmentBelowThreshold(t *testing.T) {
	svc, dispatcher, db := newDecisionFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	svc.HandleAssessment(context.Background(),
		testAssessment(0.3, 0.9), model.SessionFeatures{})

	assert.Empty(t, dispatcher.commands)
	var count int64
	db.Model(&model.InterventionRecord{}).Count(&count)
	assert.Zero(t, count)
}

func TestHandleAssessmentLowConfidence(t *testing.T) {
	svc, dispatcher, db := newDecisionFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.2), model.SessionFeatures{})

	assert.Empty(t, dispatcher.commands)
}

func TestHandleAssessmentWithoutConsent(t *testing.T) {
	svc, dispatcher, db := newDecisionFixture(t)
	// 仅授权行为采集，未授权聊天交互
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	svc.HandleAssessment(context.Background(),
		testAssessment(0.9, 0.9), model.SessionFeatures{})

	assert.Empty(t, dispatcher.commands)
	var count int64
	db.Model(&model.InterventionRecord{}).Count(&count)
	assert.Zero(t, count, "无同意时不应落任何干预记录")
}

func TestHandleAssessmentCooldown(t *testing.T) {
	svc, dispatcher, db := newDecisionFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	// 同类型连续两次，第二次落在冷却期内
	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.9, model.FactorErrorRate), model.SessionFeatures{})
	svc.HandleAssessment(context.Background(),
		testAssessment(0.85, 0.9, model.FactorErrorRate), model.SessionFeatures{})

	assert.Len(t, dispatcher.commands, 1)
}

func TestHandleAssessmentDailyCap(t *testing.T) {
	cfg := testDecisionConfig()
	cfg.DailyCap = 2
	db := newTestDB(t)
	consentRepo, _, _, _, interventionRepo, _ := newRepos(db)
	consent := NewConsentService(consentRepo, nil, nil)
	dispatcher := &captureDispatcher{}
	svc := NewDecisionService(cfg, interventionRepo, consent, dispatcher)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	// 三种不同因子避开同类冷却，第三次必然触到日上限
	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.9, model.FactorFatigue), model.SessionFeatures{})
	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.9, model.FactorHelpRequestRate), model.SessionFeatures{})
	svc.HandleAssessment(context.Background(),
		testAssessment(0.8, 0.9, model.FactorErrorRate), model.SessionFeatures{})

	assert.Len(t, dispatcher.commands, 2)
}

// 进程重启后已有触发记录仍计入限频
func TestDecisionStateHydration(t *testing.T) {
	cfg := testDecisionConfig()
	cfg.DailyCap = 3
	db := newTestDB(t)
	consentRepo, _, _, _, interventionRepo, _ := newRepos(db)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeChatInteractions)

	for i := 0; i < 3; i++ {
		rec := &model.InterventionRecord{
			SessionID:   "old-sess",
			UserID:      "student-1",
			TenantID:    "tenant-1",
			Type:        model.InterventionProactiveChat,
			Urgency:     model.UrgencyMedium,
			Status:      model.InterventionTriggered,
			TriggeredAt: time.Now().Add(-time.Duration(i+1) * time.Hour),
		}
		rec.ID = model.GenerateUUID()
		require.NoError(t, interventionRepo.Create(rec))
	}

	dispatcher := &captureDispatcher{}
	svc := NewDecisionService(cfg, interventionRepo, NewConsentService(consentRepo, nil, nil), dispatcher)

	svc.HandleAssessment(context.Background(),
		testAssessment(0.9, 0.9, model.FactorErrorRate), model.SessionFeatures{})

	assert.Empty(t, dispatcher.commands, "库中已有触发记录应计入滚动窗口")
}

func TestSelectTypePriority(t *testing.T) {
	svc, _, _ := newDecisionFixture(t)

	assert.Equal(t, model.InterventionBreakReminder,
		svc.selectType(testAssessment(0.8, 0.9, model.FactorFatigue, model.FactorErrorRate)))
	assert.Equal(t, model.InterventionHelpOffer,
		svc.selectType(testAssessment(0.8, 0.9, model.FactorHelpRequestRate, model.FactorErrorRate)))
	assert.Equal(t, model.InterventionContentSuggestion,
		svc.selectType(testAssessment(0.8, 0.9, model.FactorErrorRate)))
	assert.Equal(t, model.InterventionProactiveChat,
		svc.selectType(testAssessment(0.8, 0.9, model.FactorIdleFrequency)))
}

func TestUrgencyMapping(t *testing.T) {
	svc, _, _ := newDecisionFixture(t)
	cfg := testDecisionConfig()

	assert.Equal(t, model.UrgencyHigh, svc.urgencyFor(&cfg, testAssessment(0.8, 0.9)))
	assert.Equal(t, model.UrgencyHigh,
		svc.urgencyFor(&cfg, testAssessment(0.65, 0.9, model.FactorIdleFrequency, model.FactorErrorRate)))
	assert.Equal(t, model.UrgencyMedium, svc.urgencyFor(&cfg, testAssessment(0.65, 0.9)))
	assert.Equal(t, model.UrgencyLow, svc.urgencyFor(&cfg, testAssessment(0.55, 0.9)))
}
