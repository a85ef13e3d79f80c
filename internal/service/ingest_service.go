package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"edu_struggle_engine/pkg/security"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NonceStore 重放防护：nonce 在有效期内只允许出现一次
type NonceStore interface {
	// MarkSeen 返回 true 表示首次出现；false 表示重放
	MarkSeen(ctx context.Context, sessionID, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore 多实例部署用 SETNX + TTL
type RedisNonceStore struct {
	rdb *redis.Client
}

func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

func (s *RedisNonceStore) MarkSeen(ctx context.Context, sessionID, nonce string, ttl time.Duration) (bool, error) {
	key := "nonce:" + sessionID + ":" + nonce
	return s.rdb.SetNX(ctx, key, 1, ttl).Result()
}

// MemoryNonceStore 单进程部署/测试用，带过期清理
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	limit int
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), limit: 100000}
}

func (s *MemoryNonceStore) MarkSeen(ctx context.Context, sessionID, nonce string, ttl time.Duration) (bool, error) {
	key := sessionID + ":" + nonce
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	// 容量兜底：超限时清掉过期项
	if len(s.seen) >= s.limit {
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
			}
		}
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// IngestService 信号入口：校验、鉴权、归一化后转投会话 actor。
// 本身无状态，可水平扩展；所有拒绝只审计不重试。
type IngestService struct {
	cfg     atomic.Pointer[config.IngestConfig]
	consent *ConsentService
	nonces  NonceStore
	pool    *SessionActorPool
}

func NewIngestService(cfg config.IngestConfig, consent *ConsentService, nonces NonceStore, pool *SessionActorPool) *IngestService {
	s := &IngestService{
		consent: consent,
		nonces:  nonces,
		pool:    pool,
	}
	s.cfg.Store(&cfg)
	return s
}

func (s *IngestService) Reload(cfg config.IngestConfig) {
	s.cfg.Store(&cfg)
}

// Ingest 处理一条原始上报。成功时信号已入会话队列；失败返回类型化校验/同意错误。
func (s *IngestService) Ingest(ctx context.Context, sub *model.SignalSubmission, origin string) error {
	cfg := s.cfg.Load()

	if err := s.validateSchema(sub); err != nil {
		s.reject(sub, origin, err)
		return err
	}

	if !security.MatchOrigin(origin, cfg.AllowedOrigins) {
		s.reject(sub, origin, util.ErrInvalidOrigin)
		return util.ErrInvalidOrigin
	}

	// HMAC 覆盖 {sessionId, timestamp, nonce}，时间戳偏移超限视为签名无效
	signedAt := time.UnixMilli(sub.Timestamp)
	if skew := time.Since(signedAt); skew > cfg.MaxClockSkew || skew < -cfg.MaxClockSkew {
		s.reject(sub, origin, util.ErrInvalidSignature)
		return util.ErrInvalidSignature
	}
	expected := util.SignalSignature(cfg.HMACSecret, sub.SessionID, sub.Timestamp, sub.Nonce)
	if !util.HMACEqual(expected, sub.Signature) {
		s.reject(sub, origin, util.ErrInvalidSignature)
		return util.ErrInvalidSignature
	}

	fresh, err := s.nonces.MarkSeen(ctx, sub.SessionID, sub.Nonce, cfg.NonceTTL)
	if err != nil {
		// nonce 存储不可达时拒绝：宁可丢信号也不放行重放
		monitoring.OperationalErrors.WithLabelValues("nonce_store").Inc()
		s.reject(sub, origin, util.ErrReplayedNonce)
		return util.ErrReplayedNonce
	}
	if !fresh {
		s.reject(sub, origin, util.ErrReplayedNonce)
		return util.ErrReplayedNonce
	}

	// 行为时序采集授权；未授权时不建会话、不落任何数据
	if err := s.consent.Check(ctx, sub.TenantID, sub.UserID, model.ScopeBehavioralTiming); err != nil {
		s.reject(sub, origin, err)
		return err
	}

	signal := &model.BehavioralSignal{
		SessionID:       sub.SessionID,
		UserID:          sub.UserID,
		TenantID:        sub.TenantID,
		CourseID:        sub.CourseID,
		Type:            sub.Type,
		DurationMs:      sub.DurationMs,
		ElementContext:  sub.ElementContext,
		PageContentHash: sub.PageContentHash,
		IsError:         sub.IsError,
		Timestamp:       signedAt,
		Origin:          origin,
	}
	signal.ID = model.GenerateUUID()

	if err := s.pool.Dispatch(signal); err != nil {
		// 背压丢弃只计数：绝不阻塞学习端页面
		logger.Log.Warn("Signal dropped under backpressure",
			zap.Error(err), zap.String("sessionId", sub.SessionID))
		return nil
	}

	monitoring.SignalCounter.WithLabelValues("accepted").Inc()
	return nil
}

func (s *IngestService) validateSchema(sub *model.SignalSubmission) error {
	if sub.SessionID == "" || sub.UserID == "" || sub.TenantID == "" || sub.Nonce == "" {
		return util.ErrSchemaViolation
	}
	if !model.ValidSignalType(sub.Type) {
		return util.ErrSchemaViolation
	}
	if sub.DurationMs < 0 || sub.DurationMs > model.MaxSignalDurationMs {
		return util.ErrSchemaViolation
	}
	return nil
}

// reject 审计记录 + 指标计数；被拒信号是客户端缺陷或攻击，绝不自动重试
func (s *IngestService) reject(sub *model.SignalSubmission, origin string, err error) {
	reason, _ := util.ReasonForError(err)
	monitoring.SignalCounter.WithLabelValues(string(reason)).Inc()
	logger.Audit("Signal rejected",
		zap.String("reason", string(reason)),
		zap.String("sessionId", sub.SessionID),
		zap.String("tenantId", sub.TenantID),
		zap.String("origin", origin),
		zap.String("type", string(sub.Type)))
}
