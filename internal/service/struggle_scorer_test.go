package service

import (
	"edu_struggle_engine/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreDeterministic(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	features := model.SessionFeatures{
		SampleCount:     15,
		WindowSeconds:   180,
		IdleRate:        1.6,
		ErrorRate:       0.4,
		HelpRequestRate: 0.2,
	}

	a := scorer.Score(features, nil, at)
	b := scorer.Score(features, nil, at)
	assert.Equal(t, a.RiskLevel, b.RiskLevel)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.Equal(t, a.Factors, b.Factors)
	assert.Equal(t, "heuristic-v2", a.ModelVersion)
}

func TestScoreClamped(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())

	features := model.SessionFeatures{
		SampleCount:          50,
		WindowSeconds:        600,
		IdleRate:             10,
		ErrorRate:            1.0,
		HelpRequestRate:      5,
		AvgResponseTimeMs:    1000,
		ResponseTimeVariance: 4e6,
		AvgHoverMs:           20000,
		FatigueScore:         1.0,
	}

	a := scorer.Score(features, nil, time.Now())
	assert.LessOrEqual(t, a.RiskLevel, 1.0)
	assert.GreaterOrEqual(t, a.RiskLevel, 0.0)
	assert.LessOrEqual(t, a.Confidence, 1.0)
}

// 3 分钟里 5 次空闲 + 40% 错误率应当给出高风险与对应因子
func TestScoreIdleAndErrorScenario(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())

	features := model.SessionFeatures{
		SampleCount:   12,
		WindowSeconds: 180,
		IdleCount:     5,
		IdleRate:      5.0 / 3.0,
		ErrorRate:     0.4,
	}

	a := scorer.Score(features, nil, time.Now())
	assert.GreaterOrEqual(t, a.RiskLevel, 0.6)
	assert.True(t, a.HasFactor(model.FactorIdleFrequency))
	assert.True(t, a.HasFactor(model.FactorErrorRate))
}

func TestScoreLowConfidenceOmitsTimeEstimate(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())

	features := model.SessionFeatures{
		SampleCount:   4, // 远低于吃满样本数
		WindowSeconds: 30,
		IdleRate:      3,
		ErrorRate:     0.8,
	}

	a := scorer.Score(features, nil, time.Now())
	assert.Less(t, a.Confidence, 0.5)
	assert.Nil(t, a.TimeToStruggleMin, "样本不足时不应给出时间预估")
}

func TestScoreHighConfidenceIncludesTimeEstimate(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())

	features := model.SessionFeatures{
		SampleCount:   30,
		WindowSeconds: 300,
		IdleRate:      2,
		ErrorRate:     0.5,
	}

	a := scorer.Score(features, nil, time.Now())
	require.NotNil(t, a.TimeToStruggleMin)
	assert.GreaterOrEqual(t, *a.TimeToStruggleMin, 1.0)
}

func TestScorePageDifficultyAmplitude(t *testing.T) {
	scorer := NewStruggleScorer(testScoringConfig())
	at := time.Now()

	features := model.SessionFeatures{
		SampleCount:   20,
		WindowSeconds: 300,
		IdleRate:      1.2,
		ErrorRate:     0.35,
	}

	base := scorer.Score(features, nil, at)
	hard := scorer.Score(features, &PageContext{Difficulty: 1.0}, at)
	easy := scorer.Score(features, &PageContext{Difficulty: 0.1}, at)

	assert.Greater(t, hard.RiskLevel, base.RiskLevel)
	assert.Less(t, easy.RiskLevel, base.RiskLevel)
}

func TestScoreReloadSwapsWeights(t *testing.T) {
	cfg := testScoringConfig()
	scorer := NewStruggleScorer(cfg)

	features := model.SessionFeatures{
		SampleCount:   20,
		WindowSeconds: 300,
		ErrorRate:     0.6,
	}
	before := scorer.Score(features, nil, time.Now())

	cfg.WeightErrorRate = 0
	cfg.ModelVersion = "heuristic-v3"
	scorer.Reload(cfg)

	after := scorer.Score(features, nil, time.Now())
	assert.Less(t, after.RiskLevel, before.RiskLevel)
	assert.Equal(t, "heuristic-v3", after.ModelVersion)
}
