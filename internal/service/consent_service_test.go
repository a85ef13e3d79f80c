package service

import (
	"context"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePurger struct {
	mu    sync.Mutex
	tasks []model.PurgeTask
}

func (p *capturePurger) EnqueuePurge(ctx context.Context, task model.PurgeTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *capturePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func TestConsentCheckGrantedScope(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsentService(repository.NewConsentRepository(db), nil, nil)
	grantConsent(t, db, "t1", "u1", model.ScopeBehavioralTiming)

	assert.NoError(t, svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming))
	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeChatInteractions),
		util.ErrConsentDenied)
}

func TestConsentCheckMissingRecord(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsentService(repository.NewConsentRepository(db), nil, nil)

	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "ghost", model.ScopeBehavioralTiming),
		util.ErrConsentDenied)
}

// 同意库不可达时必须拒绝而不是放行
func TestConsentCheckFailsClosed(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsentService(repository.NewConsentRepository(db), nil, nil)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming),
		util.ErrConsentUnavailable)
}

func TestConsentWithdrawalEnqueuesPurge(t *testing.T) {
	db := newTestDB(t)
	purger := &capturePurger{}
	svc := NewConsentService(repository.NewConsentRepository(db), nil, purger)
	grantConsent(t, db, "t1", "u1", model.ScopeBehavioralTiming, model.ScopeChatInteractions)

	require.NoError(t, svc.ApplyChange(context.Background(), "t1", "u1", "", false, true))
	assert.Equal(t, 1, purger.count())

	// 撤回后所有范围失效
	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming),
		util.ErrConsentDenied)
}

func TestConsentCacheInvalidatedOnChange(t *testing.T) {
	db := newTestDB(t)
	svc := NewConsentService(repository.NewConsentRepository(db), nil, nil)
	grantConsent(t, db, "t1", "u1", model.ScopeBehavioralTiming)

	// 第一次查询进缓存
	require.NoError(t, svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming))

	// 经 ApplyChange 撤销范围后必须立即生效，不能等缓存过期
	require.NoError(t, svc.ApplyChange(context.Background(), "t1", "u1", model.ScopeBehavioralTiming, false, false))
	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming),
		util.ErrConsentDenied)
}

func TestConsentNegativeCaching(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewConsentRepository(db)
	svc := NewConsentService(repo, nil, nil)

	// 无记录的查询也会缓存，绕过缓存直接写库后需显式失效
	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming),
		util.ErrConsentDenied)

	grantConsent(t, db, "t1", "u1", model.ScopeBehavioralTiming)
	assert.ErrorIs(t,
		svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming),
		util.ErrConsentDenied, "负缓存未过期前仍拒绝")

	svc.Invalidate("t1", "u1")
	assert.NoError(t, svc.Check(context.Background(), "t1", "u1", model.ScopeBehavioralTiming))
}
