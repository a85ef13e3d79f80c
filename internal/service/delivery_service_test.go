package service

import (
	"context"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent []DeliveryCommand
}

func (s *captureSender) Send(ctx context.Context, cmd DeliveryCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type staticFeatures struct {
	f model.SessionFeatures
}

func (p staticFeatures) Features(sessionID string) (model.SessionFeatures, bool) {
	return p.f, true
}

func seedIntervention(t *testing.T, repo *repository.InterventionRepository, status model.InterventionStatus) *model.InterventionRecord {
	t.Helper()
	rec := &model.InterventionRecord{
		SessionID:        "sess-1",
		UserID:           "student-1",
		TenantID:         "tenant-1",
		Type:             model.InterventionProactiveChat,
		Urgency:          model.UrgencyMedium,
		Status:           status,
		TriggeredAt:      time.Now(),
		EngagementBefore: 0.4,
	}
	rec.ID = model.GenerateUUID()
	require.NoError(t, repo.Create(rec))
	return rec
}

func TestDeliveryMarksDelivered(t *testing.T) {
	db := newTestDB(t)
	_, _, _, _, interventionRepo, _ := newRepos(db)
	rec := seedIntervention(t, interventionRepo, model.InterventionTriggered)

	sender := &captureSender{}
	svc := NewDeliveryService(testDecisionConfig(), interventionRepo, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.Dispatch(DeliveryCommand{
		InterventionID: rec.ID,
		SessionID:      rec.SessionID,
		Type:           rec.Type,
		Urgency:        rec.Urgency,
	})

	assert.Eventually(t, func() bool {
		return sender.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		got, err := interventionRepo.FindByID(rec.ID)
		return err == nil && got.Status == model.InterventionDelivered && got.DeliveredAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleResponseRecordsOnce(t *testing.T) {
	db := newTestDB(t)
	_, _, _, _, interventionRepo, _ := newRepos(db)
	rec := seedIntervention(t, interventionRepo, model.InterventionDelivered)

	svc := NewDeliveryService(testDecisionConfig(), interventionRepo, &captureSender{}, staticFeatures{
		f: model.SessionFeatures{AttentionScore: 0.7},
	})

	require.NoError(t, svc.HandleResponse(rec.ID, model.ResponseAccepted))

	got, err := interventionRepo.FindByID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InterventionCompleted, got.Status)
	require.NotNil(t, got.UserResponse)
	assert.Equal(t, model.ResponseAccepted, *got.UserResponse)
	require.NotNil(t, got.EffectivenessScore)
	// 接受且注意力回升：0.6 + (0.7 - 0.4)
	assert.InDelta(t, 0.9, *got.EffectivenessScore, 1e-9)

	// 重复回调幂等：第二次不覆盖
	require.NoError(t, svc.HandleResponse(rec.ID, model.ResponseDismissed))
	again, err := interventionRepo.FindByID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResponseAccepted, *again.UserResponse)
}

// 响应窗口过期的已投递干预被清扫为 timeout；窗口内的不动
func TestResponseTimeoutSweep(t *testing.T) {
	db := newTestDB(t)
	_, _, _, _, interventionRepo, _ := newRepos(db)

	stale := seedIntervention(t, interventionRepo, model.InterventionDelivered)
	staleAt := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(stale).Update("delivered_at", staleAt).Error)

	fresh := seedIntervention(t, interventionRepo, model.InterventionDelivered)
	require.NoError(t, db.Model(fresh).Update("delivered_at", time.Now()).Error)

	cfg := testDecisionConfig()
	cfg.ResponseTimeout = 10 * time.Minute
	svc := NewDeliveryService(cfg, interventionRepo, &captureSender{}, nil)
	svc.sweepTimeouts()

	got, err := interventionRepo.FindByID(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InterventionCompleted, got.Status)
	require.NotNil(t, got.UserResponse)
	assert.Equal(t, model.ResponseTimeout, *got.UserResponse)

	got, err = interventionRepo.FindByID(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InterventionDelivered, got.Status)
	assert.Nil(t, got.UserResponse)
}

func TestHandleResponseValidation(t *testing.T) {
	db := newTestDB(t)
	_, _, _, _, interventionRepo, _ := newRepos(db)

	svc := NewDeliveryService(testDecisionConfig(), interventionRepo, &captureSender{}, nil)

	assert.ErrorIs(t, svc.HandleResponse("whatever", "shrugged"), util.ErrSchemaViolation)
	assert.ErrorIs(t, svc.HandleResponse("missing-id", model.ResponseAccepted), util.ErrInterventionNotFound)
}
