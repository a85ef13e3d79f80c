package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"edu_struggle_engine/pkg/logger"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sender 聊天投递协作方。引擎只给出干预命令与意图，文案由对端生成。
type Sender interface {
	Send(ctx context.Context, cmd DeliveryCommand) error
}

// LogSender 缺省投递端：仅记录命令。独立部署聊天服务时替换为 HTTP/队列发送器。
type LogSender struct{}

func (LogSender) Send(ctx context.Context, cmd DeliveryCommand) error {
	logger.Log.Info("Delivery command emitted",
		zap.String("interventionId", cmd.InterventionID),
		zap.String("type", string(cmd.Type)),
		zap.String("urgency", string(cmd.Urgency)),
		zap.String("intent", cmd.SuggestedIntent))
	return nil
}

// FeaturesProvider 响应回调时读取会话当前特征，计算投放前后的参与度差值
type FeaturesProvider interface {
	Features(sessionID string) (model.SessionFeatures, bool)
}

// DeliveryService 显式消息传递：决策引擎投命令消息进来，响应路径事后按
// interventionId 回写同一条记录，没有隐式续体。
type DeliveryService struct {
	cfg              atomic.Pointer[config.DecisionConfig]
	InterventionRepo *repository.InterventionRepository
	sender           Sender
	features         FeaturesProvider

	commands chan DeliveryCommand
	done     chan struct{}
}

func NewDeliveryService(
	cfg config.DecisionConfig,
	interventionRepo *repository.InterventionRepository,
	sender Sender,
	features FeaturesProvider,
) *DeliveryService {
	if sender == nil {
		sender = LogSender{}
	}
	s := &DeliveryService{
		InterventionRepo: interventionRepo,
		sender:           sender,
		features:         features,
		commands:         make(chan DeliveryCommand, 256),
		done:             make(chan struct{}),
	}
	s.cfg.Store(&cfg)
	return s
}

func (s *DeliveryService) Reload(cfg config.DecisionConfig) {
	s.cfg.Store(&cfg)
}

// Dispatch 实现 DeliveryDispatcher；队列满时丢弃并记审计（不阻塞决策路径）
func (s *DeliveryService) Dispatch(cmd DeliveryCommand) {
	select {
	case s.commands <- cmd:
	default:
		logger.Log.Warn("Delivery queue full, command dropped",
			zap.String("interventionId", cmd.InterventionID))
	}
}

// Run 投递工作循环，ctx 结束时退出
func (s *DeliveryService) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.deliver(ctx, cmd)
		case <-ticker.C:
			s.sweepTimeouts()
		}
	}
}

// sweepTimeouts 超过响应窗口仍无回调的干预统一记为 timeout，
// 释放该用户的冷却判断依据并让效果统计闭环
func (s *DeliveryService) sweepTimeouts() {
	timeout := s.cfg.Load().ResponseTimeout
	if timeout <= 0 {
		return
	}
	now := time.Now()
	n, err := s.InterventionRepo.TimeoutStale(now.Add(-timeout), now)
	if err != nil {
		logger.Log.Warn("Intervention timeout sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Interventions timed out without response", zap.Int64("count", n))
	}
}

func (s *DeliveryService) deliver(ctx context.Context, cmd DeliveryCommand) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.sender.Send(sendCtx, cmd); err != nil {
		logger.Log.Error("Delivery failed",
			zap.Error(err), zap.String("interventionId", cmd.InterventionID))
		return
	}

	if err := s.InterventionRepo.MarkDelivered(cmd.InterventionID, time.Now()); err != nil {
		logger.Log.Warn("Failed to mark intervention delivered",
			zap.Error(err), zap.String("interventionId", cmd.InterventionID))
	}
}

// HandleResponse 聊天端的响应回调；幂等（重复回调只生效一次），
// 并基于投放前后的注意力差值异步回填效果分
func (s *DeliveryService) HandleResponse(interventionID string, response model.UserResponse) error {
	if !model.ValidUserResponse(response) {
		return util.ErrSchemaViolation
	}

	rec, err := s.InterventionRepo.FindByID(interventionID)
	if err != nil {
		return util.ErrInterventionNotFound
	}
	if rec.Status == model.InterventionCompleted {
		return nil // 重复回调
	}

	if err := s.InterventionRepo.RecordResponse(interventionID, response, time.Now()); err != nil {
		return err
	}

	s.updateEffectiveness(rec, response)
	return nil
}

// updateEffectiveness 简单的前后参与度差值模型：接受且注意力回升 → 高分
func (s *DeliveryService) updateEffectiveness(rec *model.InterventionRecord, response model.UserResponse) {
	var engagementAfter float64
	if s.features != nil {
		if f, ok := s.features.Features(rec.SessionID); ok {
			engagementAfter = f.AttentionScore
		}
	}

	var score float64
	delta := engagementAfter - rec.EngagementBefore
	switch response {
	case model.ResponseAccepted:
		score = util.Clamp01(0.6 + delta)
	case model.ResponseDismissed:
		score = util.Clamp01(0.3 + delta/2)
	case model.ResponseIgnored, model.ResponseTimeout:
		score = util.Clamp01(0.1 + delta/2)
	}

	if err := s.InterventionRepo.UpdateEffectiveness(rec.ID, score); err != nil {
		logger.Log.Warn("Failed to update effectiveness score",
			zap.Error(err), zap.String("interventionId", rec.ID))
	}
}
