package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AlertPublisher 新告警的实时推送口，由仪表盘 websocket hub 实现
type AlertPublisher interface {
	PublishAlert(alert *model.InstructorAlert)
}

// AlertService 教师告警聚合器：定时扫描尾窗而非逐信号触发，幂等 upsert
type AlertService struct {
	cfg              atomic.Pointer[config.AlertsConfig]
	AssessmentRepo   *repository.AssessmentRepository
	InterventionRepo *repository.InterventionRepository
	AlertRepo        *repository.AlertRepository
	Consent          *ConsentService
	publisher        AlertPublisher
}

func NewAlertService(
	cfg config.AlertsConfig,
	assessmentRepo *repository.AssessmentRepository,
	interventionRepo *repository.InterventionRepository,
	alertRepo *repository.AlertRepository,
	consent *ConsentService,
	publisher AlertPublisher,
) *AlertService {
	s := &AlertService{
		AssessmentRepo:   assessmentRepo,
		InterventionRepo: interventionRepo,
		AlertRepo:        alertRepo,
		Consent:          consent,
		publisher:        publisher,
	}
	s.cfg.Store(&cfg)
	return s
}

func (s *AlertService) Reload(cfg config.AlertsConfig) {
	s.cfg.Store(&cfg)
}

// Run 周期扫描入口，随 ctx 退出
func (s *AlertService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Load().ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				monitoring.OperationalErrors.WithLabelValues("alert_scan").Inc()
				logger.Log.Error("Alert scan failed", zap.Error(err))
			}
		}
	}
}

// Scan 对尾窗内所有活跃课程做一轮聚合。重复执行同一窗口不会产生重复告警。
func (s *AlertService) Scan(ctx context.Context) error {
	cfg := s.cfg.Load()
	ctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	windowEnd := time.Now()
	windowStart := windowEnd.Add(-time.Duration(cfg.WindowHours) * time.Hour)

	courses, err := s.AssessmentRepo.ListCourseIDs(windowStart)
	if err != nil {
		return err
	}

	for _, courseID := range courses {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.scanCourse(ctx, cfg, courseID, windowStart, windowEnd); err != nil {
			// 单课程失败不拖垮整轮扫描
			logger.Log.Error("Course alert scan failed",
				zap.Error(err), zap.String("courseId", courseID))
		}
	}
	return nil
}

func (s *AlertService) scanCourse(ctx context.Context, cfg *config.AlertsConfig, courseID string, windowStart, windowEnd time.Time) error {
	stats, err := s.AssessmentRepo.StruggleStatsByCourse(courseID, windowStart, cfg.RiskThreshold)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	interventionStats, err := s.InterventionRepo.StatsByCourse(courseID, windowStart)
	if err != nil {
		return err
	}
	byUser := make(map[string]repository.StudentInterventionStat, len(interventionStats))
	for _, st := range interventionStats {
		byUser[st.UserID] = st
	}

	// 未授权个体可见性的学生进入匿名池，满足 k-匿名下限才发课程级聚合告警
	var anonymous []repository.StudentStruggleStat
	for _, st := range stats {
		if st.StruggleCount < cfg.StruggleThreshold && st.AvgRisk < cfg.RiskThreshold {
			continue
		}

		err := s.Consent.Check(ctx, st.TenantID, st.UserID, model.ScopeAnonymizedAnalytics)
		if err != nil {
			anonymous = append(anonymous, st)
			continue
		}

		s.upsertStudentAlert(st.TenantID, courseID, st, byUser[st.UserID], windowStart, windowEnd)
	}

	if len(anonymous) >= cfg.KAnonymityFloor {
		s.upsertAnonymousAlert(anonymous[0].TenantID, courseID, anonymous, windowStart, windowEnd)
	}
	return nil
}

func (s *AlertService) upsertStudentAlert(tenantID, courseID string, st repository.StudentStruggleStat, iv repository.StudentInterventionStat, windowStart, windowEnd time.Time) {
	factors := parseFactorSet(st.Factors)
	alertType := classifyAlert(st, factors)
	severity := severityFor(st)

	alert := &model.InstructorAlert{
		TenantID:           tenantID,
		CourseID:           courseID,
		StudentID:          st.UserID,
		Type:               alertType,
		Severity:           severity,
		Status:             model.AlertNew,
		RiskScore:          st.AvgRisk,
		StruggleCount:      st.StruggleCount,
		InterventionCount:  iv.Delivered,
		SuppressedCount:    iv.Total - iv.Delivered,
		SpecificConcerns:   concernsFor(factors, st),
		RecommendedActions: actionsFor(factors),
		WindowStart:        windowStart,
		WindowEnd:          windowEnd,
	}
	alert.ID = model.GenerateUUID()

	created, err := s.AlertRepo.UpsertOpen(alert)
	if err != nil {
		logger.Log.Error("Failed to upsert instructor alert",
			zap.Error(err), zap.String("courseId", courseID))
		return
	}
	if created {
		monitoring.AlertCounter.WithLabelValues(string(alertType)).Inc()
		if s.publisher != nil {
			s.publisher.PublishAlert(alert)
		}
	}
}

func (s *AlertService) upsertAnonymousAlert(tenantID, courseID string, stats []repository.StudentStruggleStat, windowStart, windowEnd time.Time) {
	var riskSum float64
	var struggles int
	for _, st := range stats {
		riskSum += st.AvgRisk
		struggles += st.StruggleCount
	}

	alert := &model.InstructorAlert{
		TenantID:      tenantID,
		CourseID:      courseID,
		StudentID:     "", // k-匿名：不落个体身份
		Anonymized:    true,
		Type:          model.AlertCourseWideAnomaly,
		Severity:      model.SeverityWarning,
		Status:        model.AlertNew,
		RiskScore:     riskSum / float64(len(stats)),
		StruggleCount: struggles,
		StudentCount:  len(stats),
		SpecificConcerns: "Multiple students in this course are showing struggle indicators. " +
			"Individual details are withheld by privacy preferences.",
		RecommendedActions: "Review recent course material for difficulty spikes; consider a course-wide check-in.",
		WindowStart:        windowStart,
		WindowEnd:          windowEnd,
	}
	alert.ID = model.GenerateUUID()

	created, err := s.AlertRepo.UpsertOpen(alert)
	if err != nil {
		logger.Log.Error("Failed to upsert anonymous course alert",
			zap.Error(err), zap.String("courseId", courseID))
		return
	}
	if created {
		monitoring.AlertCounter.WithLabelValues(string(model.AlertCourseWideAnomaly)).Inc()
		if s.publisher != nil {
			s.publisher.PublishAlert(alert)
		}
	}
}

// Acknowledge / Resolve / Dismiss 教师处理动作，全部审计
func (s *AlertService) UpdateStatus(alertID string, status model.AlertStatus, actorID uint) error {
	if err := s.AlertRepo.UpdateStatus(alertID, status); err != nil {
		return err
	}
	logger.Log.Info("Alert status updated",
		zap.String("alertId", alertID),
		zap.String("status", string(status)),
		zap.Uint("byUser", actorID))
	return nil
}

func (s *AlertService) List(filter repository.AlertFilter) ([]model.InstructorAlert, int64, error) {
	return s.AlertRepo.List(filter)
}

func parseFactorSet(joined string) map[model.ContributingFactor]int {
	set := make(map[model.ContributingFactor]int)
	for _, part := range strings.Split(joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		set[model.ContributingFactor(part)]++
	}
	return set
}

func classifyAlert(st repository.StudentStruggleStat, factors map[model.ContributingFactor]int) model.AlertType {
	switch {
	case st.MaxRisk >= 0.85:
		return model.AlertHighRisk
	case factors[model.FactorIdleFrequency]+factors[model.FactorFatigue] > factors[model.FactorErrorRate]+factors[model.FactorHelpRequestRate]:
		return model.AlertDisengagement
	default:
		return model.AlertRepeatedStruggle
	}
}

func severityFor(st repository.StudentStruggleStat) model.AlertSeverity {
	switch {
	case st.MaxRisk >= 0.85 || st.StruggleCount >= 10:
		return model.SeverityCritical
	case st.AvgRisk >= 0.7 || st.StruggleCount >= 5:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

func concernsFor(factors map[model.ContributingFactor]int, st repository.StudentStruggleStat) string {
	names := make([]string, 0, len(factors))
	for f := range factors {
		names = append(names, string(f))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Recurring struggle indicators: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(".")
	return b.String()
}

func actionsFor(factors map[model.ContributingFactor]int) string {
	var actions []string
	if factors[model.FactorErrorRate] > 0 {
		actions = append(actions, "review the student's recent quiz attempts")
	}
	if factors[model.FactorHelpRequestRate] > 0 {
		actions = append(actions, "offer a one-on-one session")
	}
	if factors[model.FactorIdleFrequency] > 0 || factors[model.FactorFatigue] > 0 {
		actions = append(actions, "check in on workload and engagement")
	}
	if len(actions) == 0 {
		actions = append(actions, "monitor progress over the next sessions")
	}
	return strings.Join(actions, "; ")
}
