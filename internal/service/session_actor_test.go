package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type captureSink struct {
	mu          sync.Mutex
	assessments []model.StruggleAssessment
}

func (s *captureSink) HandleAssessment(ctx context.Context, a *model.StruggleAssessment, f model.SessionFeatures) {
	s.mu.Lock()
	s.assessments = append(s.assessments, *a)
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assessments)
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		WindowMinutes:   10,
		MaxWindowSize:   200,
		MinSamples:      3,
		IdleTimeout:     30 * time.Minute,
		MailboxSize:     64,
		ProcessBudgetMs: 100,
	}
}

func newPoolFixture(t *testing.T, cfg config.SessionConfig) (*SessionActorPool, *captureSink, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	_, signalRepo, sessionRepo, assessmentRepo, _, _ := newRepos(db)
	sink := &captureSink{}
	pool := NewSessionActorPool(cfg, NewStruggleScorer(testScoringConfig()), sink,
		signalRepo, assessmentRepo, sessionRepo)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool, sink, db
}

func testSignal(sessionID string, typ model.SignalType, at time.Time) *model.BehavioralSignal {
	sig := &model.BehavioralSignal{
		SessionID: sessionID,
		UserID:    "student-1",
		TenantID:  "tenant-1",
		CourseID:  "course-1",
		Type:      typ,
		Timestamp: at,
	}
	sig.ID = model.GenerateUUID()
	return sig
}

func TestDispatchSpawnsActorPerSession(t *testing.T) {
	pool, _, _ := newPoolFixture(t, testSessionConfig())
	now := time.Now()

	require.NoError(t, pool.Dispatch(testSignal("sess-a", model.SignalClick, now)))
	require.NoError(t, pool.Dispatch(testSignal("sess-b", model.SignalClick, now)))
	require.NoError(t, pool.Dispatch(testSignal("sess-a", model.SignalScroll, now)))

	assert.Equal(t, 2, pool.ActiveCount())
}

// Features 查询与信号共用信箱，天然排在已投递信号之后，可用来同步断言
func TestSignalsProcessedInOrder(t *testing.T) {
	pool, _, _ := newPoolFixture(t, testSessionConfig())
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Dispatch(
			testSignal("sess-1", model.SignalClick, now.Add(time.Duration(i)*time.Second))))
	}

	features, ok := pool.Features("sess-1")
	require.True(t, ok)
	assert.Equal(t, 5, features.SampleCount)
}

func TestMinSamplesGate(t *testing.T) {
	pool, sink, _ := newPoolFixture(t, testSessionConfig())
	now := time.Now()

	pool.Dispatch(testSignal("sess-1", model.SignalHelpRequest, now))
	pool.Dispatch(testSignal("sess-1", model.SignalHelpRequest, now.Add(time.Second)))
	pool.Features("sess-1") // 等待前两条处理完
	assert.Zero(t, sink.count(), "样本不足时不应产生评估")

	pool.Dispatch(testSignal("sess-1", model.SignalHelpRequest, now.Add(2*time.Second)))
	pool.Features("sess-1")
	assert.Equal(t, 1, sink.count())
}

func TestFeaturesForUnknownSession(t *testing.T) {
	pool, _, _ := newPoolFixture(t, testSessionConfig())
	_, ok := pool.Features("nope")
	assert.False(t, ok)
}

func TestCloseSessionPersistsSnapshot(t *testing.T) {
	pool, _, db := newPoolFixture(t, testSessionConfig())
	now := time.Now()

	require.NoError(t, pool.Dispatch(testSignal("sess-1", model.SignalClick, now)))
	pool.Features("sess-1")
	require.NoError(t, pool.CloseSession("sess-1"))

	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	var snap model.SessionSnapshot
	require.NoError(t, db.Where("session_id = ?", "sess-1").First(&snap).Error)
	assert.Equal(t, "explicit", snap.CloseReason)
	assert.Equal(t, "tenant-1", snap.TenantID)
}

func TestIdleExpiry(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	pool, _, db := newPoolFixture(t, cfg)

	require.NoError(t, pool.Dispatch(testSignal("sess-idle", model.SignalClick, time.Now())))

	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	var snap model.SessionSnapshot
	require.NoError(t, db.Where("session_id = ?", "sess-idle").First(&snap).Error)
	assert.Equal(t, "idle_expired", snap.CloseReason)
}

func TestDispatchAfterShutdown(t *testing.T) {
	db := newTestDB(t)
	_, signalRepo, sessionRepo, assessmentRepo, _, _ := newRepos(db)
	pool := NewSessionActorPool(testSessionConfig(), NewStruggleScorer(testScoringConfig()),
		&captureSink{}, signalRepo, assessmentRepo, sessionRepo)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Shutdown(ctx)

	err := pool.Dispatch(testSignal("sess-1", model.SignalClick, time.Now()))
	assert.Error(t, err)
}

func TestComputeFeatures(t *testing.T) {
	base := time.Now()
	window := []windowEntry{
		{typ: model.SignalQuizInteraction, durationMs: 1000, isError: true, at: base},
		{typ: model.SignalQuizInteraction, durationMs: 3000, at: base.Add(30 * time.Second)},
		{typ: model.SignalIdle, durationMs: 20000, at: base.Add(60 * time.Second)},
		{typ: model.SignalHelpRequest, at: base.Add(90 * time.Second)},
		{typ: model.SignalHover, durationMs: 5000, at: base.Add(120 * time.Second)},
	}

	f := computeFeatures(window, base.Add(-10*time.Minute))

	assert.Equal(t, 5, f.SampleCount)
	assert.InDelta(t, 120, f.WindowSeconds, 1)
	assert.InDelta(t, 0.5, f.ErrorRate, 1e-9)
	assert.InDelta(t, 2000, f.AvgResponseTimeMs, 1e-9)
	assert.Equal(t, 1, f.IdleCount)
	assert.InDelta(t, 0.5, f.IdleRate, 1e-9) // 1 次 / 2 分钟
	assert.InDelta(t, 5000, f.AvgHoverMs, 1e-9)
	assert.InDelta(t, 0.5, f.HelpRequestRate, 1e-9)
}

func TestComputeFeaturesEmptyWindow(t *testing.T) {
	f := computeFeatures(nil, time.Now())
	assert.Zero(t, f.SampleCount)
	assert.Zero(t, f.ErrorRate)
}
