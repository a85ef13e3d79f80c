package service

import (
	"bytes"
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"edu_struggle_engine/pkg/logger"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const archiveExportLimit = 10000

// ArchiveService 清除前把去标识化的数据包写入对象存储，供合规留档
type ArchiveService struct {
	Config           *config.ArchiveConfig
	Client           *minio.Client
	SignalRepo       *repository.SignalRepository
	InterventionRepo *repository.InterventionRepository
}

type archiveBundle struct {
	TenantID      string                     `json:"tenantId"`
	ExportedAt    time.Time                  `json:"exportedAt"`
	Signals       []archivedSignal           `json:"signals"`
	Interventions []model.InterventionRecord `json:"interventions"`
}

// archivedSignal 归档副本不含用户标识，仅保留行为维度
type archivedSignal struct {
	SessionID  string           `json:"sessionId"`
	CourseID   string           `json:"courseId"`
	SignalType model.SignalType `json:"signalType"`
	Timestamp  time.Time        `json:"timestamp"`
	DurationMs int              `json:"durationMs"`
}

// buildArchiveBundle 剥离用户标识：信号只保留行为维度，干预记录覆写 user_id
func buildArchiveBundle(tenantID string, signals []model.BehavioralSignal, interventions []model.InterventionRecord) archiveBundle {
	bundle := archiveBundle{
		TenantID:   tenantID,
		ExportedAt: time.Now().UTC(),
	}
	for _, sig := range signals {
		bundle.Signals = append(bundle.Signals, archivedSignal{
			SessionID:  sig.SessionID,
			CourseID:   sig.CourseID,
			SignalType: sig.Type,
			Timestamp:  sig.Timestamp,
			DurationMs: sig.DurationMs,
		})
	}
	for _, rec := range interventions {
		rec.UserID = util.AnonymizedUserTag
		bundle.Interventions = append(bundle.Interventions, rec)
	}
	return bundle
}

func NewArchiveService(
	cfg *config.ArchiveConfig,
	signalRepo *repository.SignalRepository,
	interventionRepo *repository.InterventionRepository,
) (*ArchiveService, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &ArchiveService{
		Config:           cfg,
		Client:           client,
		SignalRepo:       signalRepo,
		InterventionRepo: interventionRepo,
	}, nil
}

// ArchiveUserData 实现 Archiver：导出前剥离 user_id，对象命名不含用户标识
func (s *ArchiveService) ArchiveUserData(ctx context.Context, tenantID, userID string) error {
	signals, err := s.SignalRepo.ListByUser(tenantID, userID, archiveExportLimit)
	if err != nil {
		return err
	}
	interventions, err := s.InterventionRepo.ListByUser(tenantID, userID, archiveExportLimit)
	if err != nil {
		return err
	}
	if len(signals) == 0 && len(interventions) == 0 {
		return nil
	}

	bundle := buildArchiveBundle(tenantID, signals, interventions)
	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}

	objectName := fmt.Sprintf("archive/%s/%s.json",
		tenantID, time.Now().UTC().Format("20060102T150405")+"-"+model.GenerateUUID())
	_, err = s.Client.PutObject(ctx, s.Config.MinioBucket, objectName,
		bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
	if err != nil {
		return err
	}

	logger.Log.Info("Pre-purge archive written",
		zap.String("tenantId", tenantID), zap.String("object", objectName))
	return nil
}
