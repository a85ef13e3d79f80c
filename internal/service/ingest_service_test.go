package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testHMACSecret = "test-secret"

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		HMACSecret:     testHMACSecret,
		AllowedOrigins: []string{"*.lms.example.com", "localhost"},
		NonceTTL:       5 * time.Minute,
		MaxClockSkew:   2 * time.Minute,
	}
}

func newIngestFixture(t *testing.T) (*IngestService, *SessionActorPool, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	consentRepo, signalRepo, sessionRepo, assessmentRepo, _, _ := newRepos(db)
	consent := NewConsentService(consentRepo, nil, nil)

	pool := NewSessionActorPool(config.SessionConfig{
		WindowMinutes:   10,
		MaxWindowSize:   200,
		MinSamples:      3,
		IdleTimeout:     30 * time.Minute,
		MailboxSize:     64,
		ProcessBudgetMs: 100,
	}, NewStruggleScorer(testScoringConfig()), nil, signalRepo, assessmentRepo, sessionRepo)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	svc := NewIngestService(testIngestConfig(), consent, NewMemoryNonceStore(), pool)
	return svc, pool, db
}

func signedSubmission(nonce string) *model.SignalSubmission {
	ts := time.Now().UnixMilli()
	return &model.SignalSubmission{
		SessionID: "sess-1",
		UserID:    "student-1",
		TenantID:  "tenant-1",
		CourseID:  "course-1",
		Type:      model.SignalClick,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: util.SignalSignature(testHMACSecret, "sess-1", ts, nonce),
	}
}

func TestIngestAcceptsValidSignal(t *testing.T) {
	svc, pool, db := newIngestFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	err := svc.Ingest(context.Background(), signedSubmission("n-1"), "https://campus.lms.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestIngestRejectsUnknownOrigin(t *testing.T) {
	svc, _, db := newIngestFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	err := svc.Ingest(context.Background(), signedSubmission("n-1"), "https://evil.example.org")
	assert.ErrorIs(t, err, util.ErrInvalidOrigin)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	svc, _, db := newIngestFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	sub := signedSubmission("n-1")
	sub.Signature = "deadbeef"
	err := svc.Ingest(context.Background(), sub, "https://campus.lms.example.com")
	assert.ErrorIs(t, err, util.ErrInvalidSignature)
}

func TestIngestRejectsStaleTimestamp(t *testing.T) {
	svc, _, db := newIngestFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	sub := signedSubmission("n-1")
	sub.Timestamp = time.Now().Add(-10 * time.Minute).UnixMilli()
	sub.Signature = util.SignalSignature(testHMACSecret, sub.SessionID, sub.Timestamp, sub.Nonce)

	err := svc.Ingest(context.Background(), sub, "https://campus.lms.example.com")
	assert.ErrorIs(t, err, util.ErrInvalidSignature)
}

func TestIngestRejectsReplayedNonce(t *testing.T) {
	svc, _, db := newIngestFixture(t)
	grantConsent(t, db, "tenant-1", "student-1", model.ScopeBehavioralTiming)

	first := svc.Ingest(context.Background(), signedSubmission("n-replay"), "https://campus.lms.example.com")
	require.NoError(t, first)

	second := svc.Ingest(context.Background(), signedSubmission("n-replay"), "https://campus.lms.example.com")
	assert.ErrorIs(t, second, util.ErrReplayedNonce)
}

func TestIngestRejectsSchemaViolations(t *testing.T) {
	svc, _, _ := newIngestFixture(t)

	missing := signedSubmission("n-1")
	missing.UserID = ""
	assert.ErrorIs(t,
		svc.Ingest(context.Background(), missing, "https://campus.lms.example.com"),
		util.ErrSchemaViolation)

	badType := signedSubmission("n-2")
	badType.Type = "telepathy"
	assert.ErrorIs(t,
		svc.Ingest(context.Background(), badType, "https://campus.lms.example.com"),
		util.ErrSchemaViolation)

	tooLong := signedSubmission("n-3")
	tooLong.DurationMs = model.MaxSignalDurationMs + 1
	assert.ErrorIs(t,
		svc.Ingest(context.Background(), tooLong, "https://campus.lms.example.com"),
		util.ErrSchemaViolation)
}

// 无行为采集授权时不建会话、不落任何数据
func TestIngestRejectsWithoutConsent(t *testing.T) {
	svc, pool, db := newIngestFixture(t)

	err := svc.Ingest(context.Background(), signedSubmission("n-1"), "https://campus.lms.example.com")
	assert.ErrorIs(t, err, util.ErrConsentDenied)
	assert.Zero(t, pool.ActiveCount())

	var count int64
	db.Model(&model.BehavioralSignal{}).Count(&count)
	assert.Zero(t, count)
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	fresh, err := store.MarkSeen(ctx, "s", "n", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, _ = store.MarkSeen(ctx, "s", "n", 10*time.Millisecond)
	assert.False(t, fresh)

	time.Sleep(20 * time.Millisecond)
	fresh, _ = store.MarkSeen(ctx, "s", "n", 10*time.Millisecond)
	assert.True(t, fresh, "过期后的 nonce 可重新使用")
}
