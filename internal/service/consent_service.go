package service

import (
	"context"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	consentCacheTTL       = 5 * time.Minute
	consentInvalidateChan = "consent:invalidate"
)

// PurgeEnqueuer 同意撤回时的清除任务入队口，由留存调度器实现
type PurgeEnqueuer interface {
	EnqueuePurge(ctx context.Context, task model.PurgeTask) error
}

type consentCacheEntry struct {
	record    *model.ConsentRecord
	missing   bool // 库里无记录，视为全部未授权
	expiresAt time.Time
}

// ConsentService 同意门禁。热路径先查进程内缓存，未命中回源数据库；
// 同意库不可达时一律拒绝（隐私正确性优先于可用性）。
type ConsentService struct {
	ConsentRepo *repository.ConsentRepository
	rdb         *redis.Client
	purger      PurgeEnqueuer

	mu    sync.RWMutex
	cache map[string]*consentCacheEntry
}

func NewConsentService(consentRepo *repository.ConsentRepository, rdb *redis.Client, purger PurgeEnqueuer) *ConsentService {
	s := &ConsentService{
		ConsentRepo: consentRepo,
		rdb:         rdb,
		purger:      purger,
		cache:       make(map[string]*consentCacheEntry),
	}
	return s
}

func cacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Check 校验 (tenant, user) 是否授权了指定范围。
// 返回 nil 表示允许；ErrConsentDenied / ErrConsentUnavailable 表示拒绝。
func (s *ConsentService) Check(ctx context.Context, tenantID, userID string, scope model.ConsentScope) error {
	rec, err := s.lookup(ctx, tenantID, userID)
	if err != nil {
		monitoring.OperationalErrors.WithLabelValues("consent_gate").Inc()
		logger.Log.Error("Consent store unreachable, failing closed",
			zap.Error(err), zap.String("tenantId", tenantID))
		return util.ErrConsentUnavailable
	}
	if rec == nil {
		return util.ErrConsentDenied
	}
	if rec.WithdrawnAt != nil {
		// 撤回后的访问触发兜底清除
		s.enqueuePurge(ctx, tenantID, userID)
		return util.ErrConsentDenied
	}
	if !rec.HasScope(scope) {
		return util.ErrConsentDenied
	}
	return nil
}

func (s *ConsentService) lookup(ctx context.Context, tenantID, userID string) (*model.ConsentRecord, error) {
	key := cacheKey(tenantID, userID)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if entry.missing {
			return nil, nil
		}
		return entry.record, nil
	}

	rec, err := s.ConsentRepo.FindByTenantUser(tenantID, userID)
	if err == gorm.ErrRecordNotFound {
		s.store(key, &consentCacheEntry{missing: true, expiresAt: time.Now().Add(consentCacheTTL)})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.store(key, &consentCacheEntry{record: rec, expiresAt: time.Now().Add(consentCacheTTL)})
	return rec, nil
}

func (s *ConsentService) store(key string, entry *consentCacheEntry) {
	s.mu.Lock()
	s.cache[key] = entry
	s.mu.Unlock()
}

// ApplyChange 处理同意变更 webhook：写库、失效缓存、广播到其他实例，撤回时入队清除
func (s *ConsentService) ApplyChange(ctx context.Context, tenantID, userID string, scope model.ConsentScope, granted bool, withdrawn bool) error {
	var err error
	if withdrawn {
		err = s.ConsentRepo.MarkWithdrawn(tenantID, userID)
	} else {
		err = s.ConsentRepo.SetScope(tenantID, userID, scope, granted)
	}
	if err != nil {
		return err
	}

	s.Invalidate(tenantID, userID)
	s.broadcastInvalidate(ctx, tenantID, userID)

	if withdrawn {
		s.enqueuePurge(ctx, tenantID, userID)
	}
	return nil
}

// Invalidate 本进程缓存失效
func (s *ConsentService) Invalidate(tenantID, userID string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(tenantID, userID))
	s.mu.Unlock()
}

type invalidateMsg struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

func (s *ConsentService) broadcastInvalidate(ctx context.Context, tenantID, userID string) {
	if s.rdb == nil {
		return
	}
	payload, _ := json.Marshal(invalidateMsg{TenantID: tenantID, UserID: userID})
	if err := s.rdb.Publish(ctx, consentInvalidateChan, payload).Err(); err != nil {
		logger.Log.Warn("Failed to broadcast consent invalidation", zap.Error(err))
	}
}

// RunInvalidationListener 订阅其他实例发出的失效广播，进程退出时随 ctx 结束
func (s *ConsentService) RunInvalidationListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	sub := s.rdb.Subscribe(ctx, consentInvalidateChan)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidateMsg
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				continue
			}
			s.Invalidate(inv.TenantID, inv.UserID)
		}
	}
}

func (s *ConsentService) enqueuePurge(ctx context.Context, tenantID, userID string) {
	if s.purger == nil {
		return
	}
	task := model.PurgeTask{TenantID: tenantID, UserID: userID, EnqueuedAt: time.Now()}
	if err := s.purger.EnqueuePurge(ctx, task); err != nil {
		monitoring.OperationalErrors.WithLabelValues("purge_enqueue").Inc()
		logger.Log.Error("Failed to enqueue purge task",
			zap.Error(err), zap.String("tenantId", tenantID), zap.String("userId", userID))
	}
}
