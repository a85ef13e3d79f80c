package service

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/util"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 归档包是去标识化导出：信号维度照搬、用户标识绝不出现
func TestBuildArchiveBundleStripsIdentity(t *testing.T) {
	signals := []model.BehavioralSignal{
		{
			SessionID:  "sess-1",
			UserID:     "student-1",
			TenantID:   "tenant-1",
			CourseID:   "course-1",
			Type:       model.SignalQuizInteraction,
			DurationMs: 1500,
			Timestamp:  time.Now(),
		},
	}
	interventions := []model.InterventionRecord{
		{
			SessionID: "sess-1",
			UserID:    "student-1",
			TenantID:  "tenant-1",
			Type:      model.InterventionProactiveChat,
			Urgency:   model.UrgencyMedium,
			Status:    model.InterventionDelivered,
		},
	}

	bundle := buildArchiveBundle("tenant-1", signals, interventions)

	require.Len(t, bundle.Signals, 1)
	assert.Equal(t, model.SignalQuizInteraction, bundle.Signals[0].SignalType)
	assert.Equal(t, "sess-1", bundle.Signals[0].SessionID)
	assert.Equal(t, 1500, bundle.Signals[0].DurationMs)

	require.Len(t, bundle.Interventions, 1)
	assert.Equal(t, util.AnonymizedUserTag, bundle.Interventions[0].UserID)

	payload, err := json.Marshal(bundle)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "student-1")
}
