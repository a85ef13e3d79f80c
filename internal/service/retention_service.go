package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"edu_struggle_engine/pkg/retry"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const purgeQueueKey = "purge:queue"

// Archiver 清除前的匿名导出口，由对象存储归档服务实现；可为 nil（不归档直接清）
type Archiver interface {
	ArchiveUserData(ctx context.Context, tenantID, userID string) error
}

// RetentionService 留存与清除调度器：
// 周期清理过期数据，消费同意撤回触发的清除任务，按租户隔离失败。
type RetentionService struct {
	cfg              atomic.Pointer[config.RetentionConfig]
	SignalRepo       *repository.SignalRepository
	SessionRepo      *repository.SessionRepository
	AssessmentRepo   *repository.AssessmentRepository
	InterventionRepo *repository.InterventionRepository
	AlertRepo        *repository.AlertRepository
	ConsentRepo      *repository.ConsentRepository
	rdb              *redis.Client
	archiver         Archiver

	localQueue chan model.PurgeTask // rdb 为空时的单进程队列
}

func NewRetentionService(
	cfg config.RetentionConfig,
	signalRepo *repository.SignalRepository,
	sessionRepo *repository.SessionRepository,
	assessmentRepo *repository.AssessmentRepository,
	interventionRepo *repository.InterventionRepository,
	alertRepo *repository.AlertRepository,
	consentRepo *repository.ConsentRepository,
	rdb *redis.Client,
	archiver Archiver,
) *RetentionService {
	s := &RetentionService{
		SignalRepo:       signalRepo,
		SessionRepo:      sessionRepo,
		AssessmentRepo:   assessmentRepo,
		InterventionRepo: interventionRepo,
		AlertRepo:        alertRepo,
		ConsentRepo:      consentRepo,
		rdb:              rdb,
		archiver:         archiver,
		localQueue:       make(chan model.PurgeTask, 256),
	}
	s.cfg.Store(&cfg)
	return s
}

func (s *RetentionService) Reload(cfg config.RetentionConfig) {
	s.cfg.Store(&cfg)
}

// EnqueuePurge 实现 PurgeEnqueuer
func (s *RetentionService) EnqueuePurge(ctx context.Context, task model.PurgeTask) error {
	if s.rdb != nil {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return s.rdb.LPush(ctx, purgeQueueKey, payload).Err()
	}
	select {
	case s.localQueue <- task:
		return nil
	default:
		return fmt.Errorf("local purge queue full")
	}
}

// Run 启动清除消费与周期清理，随 ctx 退出
func (s *RetentionService) Run(ctx context.Context) {
	go s.runPurgeConsumer(ctx)

	ticker := time.NewTicker(s.cfg.Load().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *RetentionService) runPurgeConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := s.nextTask(ctx)
		if !ok {
			continue
		}
		s.processPurgeTask(ctx, task)
	}
}

func (s *RetentionService) nextTask(ctx context.Context) (model.PurgeTask, bool) {
	if s.rdb != nil {
		res, err := s.rdb.BRPop(ctx, 5*time.Second, purgeQueueKey).Result()
		if err != nil {
			return model.PurgeTask{}, false // 超时或连接抖动，外层循环继续
		}
		var task model.PurgeTask
		if len(res) < 2 || json.Unmarshal([]byte(res[1]), &task) != nil {
			return model.PurgeTask{}, false
		}
		return task, true
	}

	select {
	case <-ctx.Done():
		return model.PurgeTask{}, false
	case task := <-s.localQueue:
		return task, true
	case <-time.After(5 * time.Second):
		return model.PurgeTask{}, false
	}
}

// processPurgeTask 带退避重试；重试耗尽后升级为运维告警，不再静默
func (s *RetentionService) processPurgeTask(ctx context.Context, task model.PurgeTask) {
	cfg := s.cfg.Load()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts
	retryCfg.InitialDelay = time.Second
	retryCfg.Logger = logger.Log

	err := retry.Do(ctx, retryCfg, func() error {
		return s.PurgeUser(ctx, task.TenantID, task.UserID)
	})
	if err != nil {
		monitoring.PurgeTaskCounter.WithLabelValues("failed").Inc()
		monitoring.OperationalErrors.WithLabelValues("purge").Inc()
		logger.Log.Error("Purge task exhausted retries, operator attention required",
			zap.Error(err),
			zap.String("tenantId", task.TenantID),
			zap.String("userId", task.UserID))
		return
	}
	monitoring.PurgeTaskCounter.WithLabelValues("completed").Inc()
}

// PurgeUser 撤回清除：行为数据物理删除，评估与干预仅匿名化以保聚合统计
func (s *RetentionService) PurgeUser(ctx context.Context, tenantID, userID string) error {
	if s.archiver != nil {
		if err := s.archiver.ArchiveUserData(ctx, tenantID, userID); err != nil {
			// 归档失败不阻断清除：隐私 SLA 优先于归档完整性
			logger.Log.Warn("Pre-purge archive failed",
				zap.Error(err), zap.String("userId", userID))
		}
	}

	if err := s.SignalRepo.DeleteByUser(tenantID, userID); err != nil {
		return err
	}
	if err := s.SessionRepo.DeleteByUser(tenantID, userID); err != nil {
		return err
	}
	if err := s.AssessmentRepo.AnonymizeByUser(tenantID, userID); err != nil {
		return err
	}
	if err := s.InterventionRepo.AnonymizeByUser(tenantID, userID); err != nil {
		return err
	}
	if err := s.AlertRepo.DeleteByStudent(tenantID, userID); err != nil {
		return err
	}

	logger.Log.Info("User data purged",
		zap.String("tenantId", tenantID), zap.String("userId", userID))
	return nil
}

// Sweep 周期清理：过期数据按租户清除/匿名化，单租户失败不阻塞其他租户；
// 同时兜底扫描已撤回但仍有可识别数据的用户（SLA 保证）
func (s *RetentionService) Sweep(ctx context.Context) {
	cfg := s.cfg.Load()

	tenants, err := s.SignalRepo.ListTenantIDs()
	if err != nil {
		monitoring.OperationalErrors.WithLabelValues("retention_sweep").Inc()
		logger.Log.Error("Retention sweep failed to list tenants", zap.Error(err))
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := s.sweepTenant(tenantID, cfg); err != nil {
			logger.Log.Error("Tenant retention sweep failed",
				zap.Error(err), zap.String("tenantId", tenantID))
		}
	}

	s.sweepWithdrawn(ctx)
}

func (s *RetentionService) sweepTenant(tenantID string, cfg *config.RetentionConfig) error {
	now := time.Now()
	cutoff := now.AddDate(0, 0, -cfg.DefaultDays)

	// 同意记录里的 retention_days 覆盖租户默认值：行为数据按用户各自的期限清
	overrides, err := s.ConsentRepo.ListRetentionOverrides(tenantID)
	if err != nil {
		return err
	}
	overrideUsers := make([]string, 0, len(overrides))
	for _, rec := range overrides {
		userCutoff := now.AddDate(0, 0, -rec.RetentionDays)
		if _, err := s.SignalRepo.DeleteOlderThanForUser(tenantID, rec.UserID, userCutoff); err != nil {
			return err
		}
		if _, err := s.SessionRepo.DeleteOlderThanForUser(tenantID, rec.UserID, userCutoff); err != nil {
			return err
		}
		overrideUsers = append(overrideUsers, rec.UserID)
	}

	deleted, err := s.SignalRepo.DeleteOlderThan(tenantID, cutoff, overrideUsers)
	if err != nil {
		return err
	}
	if _, err := s.SessionRepo.DeleteOlderThan(tenantID, cutoff, overrideUsers); err != nil {
		return err
	}
	anonymized, err := s.AssessmentRepo.AnonymizeOlderThan(tenantID, cutoff)
	if err != nil {
		return err
	}
	if _, err := s.InterventionRepo.AnonymizeOlderThan(tenantID, cutoff); err != nil {
		return err
	}
	if _, err := s.AlertRepo.DeleteOlderThan(tenantID, cutoff); err != nil {
		return err
	}

	if deleted > 0 || anonymized > 0 {
		logger.Log.Info("Retention sweep completed",
			zap.String("tenantId", tenantID),
			zap.Int64("signalsDeleted", deleted),
			zap.Int64("assessmentsAnonymized", anonymized))
	}
	return nil
}

func (s *RetentionService) sweepWithdrawn(ctx context.Context) {
	cfg := s.cfg.Load()
	recs, err := s.ConsentRepo.ListWithdrawn(500)
	if err != nil {
		logger.Log.Error("Failed to list withdrawn consents", zap.Error(err))
		return
	}
	for _, rec := range recs {
		remaining, err := s.SignalRepo.CountByUser(rec.TenantID, rec.UserID)
		if err != nil || remaining == 0 {
			if assessLeft, err2 := s.AssessmentRepo.CountIdentifiableByUser(rec.TenantID, rec.UserID); err2 != nil || assessLeft == 0 {
				continue
			}
		}
		// 撤回超过 SLA 仍有可识别数据：升级为运维告警，不只是重新入队
		if rec.WithdrawnAt != nil && time.Since(*rec.WithdrawnAt) > cfg.PurgeSLA {
			monitoring.OperationalErrors.WithLabelValues("purge_sla").Inc()
			logger.Log.Error("Withdrawal purge exceeded SLA",
				zap.String("tenantId", rec.TenantID),
				zap.String("userId", rec.UserID),
				zap.Time("withdrawnAt", *rec.WithdrawnAt))
		}
		task := model.PurgeTask{TenantID: rec.TenantID, UserID: rec.UserID, EnqueuedAt: time.Now()}
		if err := s.EnqueuePurge(ctx, task); err != nil {
			logger.Log.Error("Failed to requeue withdrawn purge", zap.Error(err))
		}
	}
}
