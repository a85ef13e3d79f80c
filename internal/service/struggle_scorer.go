package service

import (
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"math"
	"sync/atomic"
	"time"
)

// PageContext 页面内容分析协作方给出的可选上下文
type PageContext struct {
	ContentHash string
	Difficulty  float64 // 0..1，缺省 0 表示未知
}

// StruggleScorer 纯函数评分器：相同特征 + 相同模型版本必然产出相同结果。
// 权重与阈值通过配置快照原子替换，支持热更新而不影响在途评分。
type StruggleScorer struct {
	cfg atomic.Pointer[config.ScoringConfig]
}

func NewStruggleScorer(cfg config.ScoringConfig) *StruggleScorer {
	s := &StruggleScorer{}
	s.cfg.Store(&cfg)
	return s
}

// Reload 原子替换调参快照
func (s *StruggleScorer) Reload(cfg config.ScoringConfig) {
	s.cfg.Store(&cfg)
}

func (s *StruggleScorer) ModelVersion() string {
	return s.cfg.Load().ModelVersion
}

// Score 对聚合特征打分。computedAt 由调用方传入，保证可复现测试。
// 样本不足时 Confidence 低于下限，TimeToStruggleMin 为 nil（"信号不足"区别于"低风险"）。
func (s *StruggleScorer) Score(features model.SessionFeatures, page *PageContext, computedAt time.Time) model.StruggleAssessment {
	cfg := s.cfg.Load()

	var risk float64
	factors := make([]model.ContributingFactor, 0, 4)

	// 响应时间波动：方差相对均值归一
	respVar := 0.0
	if features.AvgResponseTimeMs > 0 {
		respVar = math.Sqrt(features.ResponseTimeVariance) / features.AvgResponseTimeMs
	}
	if respVar >= cfg.ResponseVarThreshold {
		factors = append(factors, model.FactorResponseVariability)
	}
	risk += cfg.WeightResponseVar * util.Clamp01(respVar/cfg.ResponseVarThreshold)

	// 空闲频率
	if features.IdleRate >= cfg.IdleRateThreshold {
		factors = append(factors, model.FactorIdleFrequency)
	}
	risk += cfg.WeightIdle * util.Clamp01(features.IdleRate/cfg.IdleRateThreshold)

	// 求助频率
	if features.HelpRequestRate >= cfg.HelpRateThreshold {
		factors = append(factors, model.FactorHelpRequestRate)
	}
	risk += cfg.WeightHelpRate * util.Clamp01(features.HelpRequestRate/cfg.HelpRateThreshold)

	// 答题错误率
	if features.ErrorRate >= cfg.ErrorRateThreshold {
		factors = append(factors, model.FactorErrorRate)
	}
	risk += cfg.WeightErrorRate * util.Clamp01(features.ErrorRate/cfg.ErrorRateThreshold)

	// 悬停时长：长时间悬停表明犹豫
	if features.AvgHoverMs >= cfg.HoverMsThreshold {
		factors = append(factors, model.FactorHoverDuration)
	}
	risk += cfg.WeightHover * util.Clamp01(features.AvgHoverMs/cfg.HoverMsThreshold)

	// 疲劳估计
	if features.FatigueScore >= cfg.FatigueThreshold {
		factors = append(factors, model.FactorFatigue)
	}
	risk += cfg.WeightFatigue * util.Clamp01(features.FatigueScore)

	// 多因子同时越线时叠加升级项：孤立信号可能是噪声，共现才是强证据
	if len(factors) >= 2 {
		risk += 0.1 * float64(len(factors)-1)
	}

	// 页面难度作为调幅而非权重项：难页面允许更多挣扎余地
	if page != nil && page.Difficulty > 0 {
		risk *= 1 + 0.2*(page.Difficulty-0.5)
	}

	risk = util.Clamp01(risk)

	confidence := s.confidence(cfg, features)

	assessment := model.StruggleAssessment{
		RiskLevel:    risk,
		Confidence:   confidence,
		Factors:      factors,
		ModelVersion: cfg.ModelVersion,
		ComputedAt:   computedAt,
		ValidUntil:   computedAt.Add(time.Duration(cfg.AssessmentTTLMinutes) * time.Minute),
	}

	// 置信度达标才给出时间预估
	if confidence >= cfg.ConfidenceFloor && risk > 0 {
		minutes := estimateTimeToStruggle(risk)
		assessment.TimeToStruggleMin = &minutes
	}

	return assessment
}

// confidence 由样本量与特征稳定性共同决定
func (s *StruggleScorer) confidence(cfg *config.ScoringConfig, features model.SessionFeatures) float64 {
	sampleTerm := util.Clamp01(float64(features.SampleCount) / float64(cfg.FullConfidenceSamples))

	// 窗口覆盖时间过短时打折
	coverageTerm := util.Clamp01(features.WindowSeconds / 120.0)

	return util.Clamp01(0.7*sampleTerm + 0.3*coverageTerm)
}

// estimateTimeToStruggle 风险越高，预计越快陷入困难；映射为 1..30 分钟
func estimateTimeToStruggle(risk float64) float64 {
	minutes := 30 * (1 - risk)
	if minutes < 1 {
		minutes = 1
	}
	return math.Round(minutes*10) / 10
}
