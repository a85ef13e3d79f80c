package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DeliveryCommand 发给聊天投递协作方的命令消息；正文由外部生成，引擎不产出文案
type DeliveryCommand struct {
	InterventionID  string                 `json:"interventionId"`
	SessionID       string                 `json:"sessionId"`
	UserID          string                 `json:"userId"`
	TenantID        string                 `json:"tenantId"`
	Type            model.InterventionType `json:"type"`
	Urgency         model.Urgency          `json:"urgency"`
	SuggestedIntent string                 `json:"suggestedMessageIntent"`
}

// DeliveryDispatcher 投递通道，由 DeliveryService 实现
type DeliveryDispatcher interface {
	Dispatch(cmd DeliveryCommand)
}

// userDecisionState 单用户限频状态。单写者不变式：所有读写都持有该用户的锁，
// 同一用户并发的多个会话也不会同时更新。
type userDecisionState struct {
	mu          sync.Mutex
	hydrated    bool
	triggeredAt []time.Time
	lastByType  map[model.InterventionType]time.Time
}

// DecisionService 干预决策引擎：阈值、日上限、同类冷却、同意门禁
type DecisionService struct {
	cfg              atomic.Pointer[config.DecisionConfig]
	InterventionRepo *repository.InterventionRepository
	Consent          *ConsentService
	dispatcher       DeliveryDispatcher

	mu    sync.Mutex
	users map[string]*userDecisionState
}

func NewDecisionService(
	cfg config.DecisionConfig,
	interventionRepo *repository.InterventionRepository,
	consent *ConsentService,
	dispatcher DeliveryDispatcher,
) *DecisionService {
	s := &DecisionService{
		InterventionRepo: interventionRepo,
		Consent:          consent,
		dispatcher:       dispatcher,
		users:            make(map[string]*userDecisionState),
	}
	s.cfg.Store(&cfg)
	return s
}

func (s *DecisionService) Reload(cfg config.DecisionConfig) {
	s.cfg.Store(&cfg)
}

func (s *DecisionService) userState(tenantID, userID string) *userDecisionState {
	key := tenantID + ":" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[key]
	if !ok {
		st = &userDecisionState{lastByType: make(map[model.InterventionType]time.Time)}
		s.users[key] = st
	}
	return st
}

// HandleAssessment 对一次评估结果产出零或一条干预。所有被抑制的情形记录归因后静默返回。
func (s *DecisionService) HandleAssessment(ctx context.Context, assessment *model.StruggleAssessment, features model.SessionFeatures) {
	cfg := s.cfg.Load()

	if assessment.RiskLevel < cfg.RiskThreshold {
		s.suppress(assessment, model.SuppressBelowThreshold)
		return
	}
	if assessment.Confidence < cfg.ConfidenceThreshold {
		s.suppress(assessment, model.SuppressLowConfidence)
		return
	}

	// 投递必须有聊天交互授权；同意库不可达时同样拒绝
	if err := s.Consent.Check(ctx, assessment.TenantID, assessment.UserID, model.ScopeChatInteractions); err != nil {
		s.suppress(assessment, model.SuppressNoConsent)
		return
	}

	interventionType := s.selectType(assessment)
	urgency := s.urgencyFor(cfg, assessment)
	now := time.Now()

	st := s.userState(assessment.TenantID, assessment.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.hydrated {
		s.hydrate(st, assessment.TenantID, assessment.UserID, now)
	}

	// 滚动 24 小时窗口内的触发数
	st.prune(now)
	if len(st.triggeredAt) >= cfg.DailyCap {
		s.suppress(assessment, model.SuppressDailyCap)
		return
	}
	if last, ok := st.lastByType[interventionType]; ok && now.Sub(last) < cfg.Cooldown {
		s.suppress(assessment, model.SuppressCooldown)
		return
	}

	if ctx.Err() != nil {
		s.suppress(assessment, model.SuppressBudgetExceeded)
		return
	}

	assessmentID := assessment.ID
	record := &model.InterventionRecord{
		SessionID:            assessment.SessionID,
		UserID:               assessment.UserID,
		TenantID:             assessment.TenantID,
		CourseID:             assessment.CourseID,
		StruggleAssessmentID: &assessmentID,
		Type:                 interventionType,
		Urgency:              urgency,
		Status:               model.InterventionTriggered,
		SuggestedIntent:      suggestedIntent(interventionType, assessment),
		TriggeredAt:          now,
		EngagementBefore:     features.AttentionScore,
	}
	record.ID = model.GenerateUUID()

	// 唯一的同步写：没有持久化记录就不投递，杜绝重复干预
	if err := s.InterventionRepo.Create(record); err != nil {
		monitoring.OperationalErrors.WithLabelValues("intervention_store").Inc()
		logger.Log.Error("Failed to persist intervention, delivery aborted",
			zap.Error(err), zap.String("userId", assessment.UserID))
		return
	}

	st.triggeredAt = append(st.triggeredAt, now)
	st.lastByType[interventionType] = now

	monitoring.InterventionCounter.WithLabelValues("triggered").Inc()
	logger.Log.Info("Intervention triggered",
		zap.String("interventionId", record.ID),
		zap.String("sessionId", record.SessionID),
		zap.String("type", string(interventionType)),
		zap.String("urgency", string(urgency)),
		zap.Float64("risk", assessment.RiskLevel))

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(DeliveryCommand{
			InterventionID:  record.ID,
			SessionID:       record.SessionID,
			UserID:          record.UserID,
			TenantID:        record.TenantID,
			Type:            record.Type,
			Urgency:         record.Urgency,
			SuggestedIntent: record.SuggestedIntent,
		})
	}
}

// hydrate 首次触达时从库里重建限频状态，进程重启不会放水
func (s *DecisionService) hydrate(st *userDecisionState, tenantID, userID string, now time.Time) {
	st.hydrated = true
	recs, err := s.InterventionRepo.TriggeredTimestampsSince(tenantID, userID, now.Add(-24*time.Hour))
	if err != nil {
		logger.Log.Warn("Failed to hydrate decision state",
			zap.Error(err), zap.String("userId", userID))
		return
	}
	for _, rec := range recs {
		st.triggeredAt = append(st.triggeredAt, rec.TriggeredAt)
		if last, ok := st.lastByType[rec.Type]; !ok || rec.TriggeredAt.After(last) {
			st.lastByType[rec.Type] = rec.TriggeredAt
		}
	}
}

func (st *userDecisionState) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(st.triggeredAt); i++ {
		if st.triggeredAt[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		st.triggeredAt = st.triggeredAt[i:]
	}
}

func (s *DecisionService) suppress(assessment *model.StruggleAssessment, reason model.SuppressionReason) {
	monitoring.InterventionCounter.WithLabelValues(string(reason)).Inc()
	logger.Log.Debug("Intervention suppressed",
		zap.String("sessionId", assessment.SessionID),
		zap.String("reason", string(reason)),
		zap.Float64("risk", assessment.RiskLevel),
		zap.Float64("confidence", assessment.Confidence))
}

// selectType 按触发因子的固定优先级选择干预类型
func (s *DecisionService) selectType(assessment *model.StruggleAssessment) model.InterventionType {
	switch {
	case assessment.HasFactor(model.FactorFatigue):
		return model.InterventionBreakReminder
	case assessment.HasFactor(model.FactorHelpRequestRate):
		return model.InterventionHelpOffer
	case assessment.HasFactor(model.FactorErrorRate):
		return model.InterventionContentSuggestion
	default:
		return model.InterventionProactiveChat
	}
}

// urgencyFor 风险越线即 high；多因子共现在中高风险区间也升级为 high
func (s *DecisionService) urgencyFor(cfg *config.DecisionConfig, assessment *model.StruggleAssessment) model.Urgency {
	mid := (cfg.RiskThreshold + cfg.HighRiskThreshold) / 2
	switch {
	case assessment.RiskLevel >= cfg.HighRiskThreshold:
		return model.UrgencyHigh
	case assessment.RiskLevel >= mid && len(assessment.Factors) >= 2:
		return model.UrgencyHigh
	case assessment.RiskLevel >= mid:
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}

func suggestedIntent(t model.InterventionType, assessment *model.StruggleAssessment) string {
	switch t {
	case model.InterventionBreakReminder:
		return "suggest_short_break"
	case model.InterventionHelpOffer:
		return "offer_guided_help"
	case model.InterventionContentSuggestion:
		return "suggest_review_material"
	default:
		if assessment.RiskLevel >= 0.8 {
			return "check_in_urgent"
		}
		return "check_in_casual"
	}
}
