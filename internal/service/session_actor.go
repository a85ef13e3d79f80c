package service

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/util"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"edu_struggle_engine/pkg/retry"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	actorShardCount = 32
	auditBatchSize  = 100
	auditFlushEvery = time.Second
)

// AssessmentSink 评分结果的下游（干预决策引擎）
type AssessmentSink interface {
	HandleAssessment(ctx context.Context, assessment *model.StruggleAssessment, features model.SessionFeatures)
}

type actorMsgKind int

const (
	msgSignal actorMsgKind = iota
	msgQuery
	msgClose
)

type actorMsg struct {
	kind   actorMsgKind
	signal *model.BehavioralSignal
	reply  chan model.SessionFeatures // msgQuery 用
	reason string                     // msgClose 用
}

type windowEntry struct {
	typ        model.SignalType
	durationMs int
	isError    bool
	at         time.Time
}

// sessionActor 单会话执行单元：信号严格按到达顺序被唯一一个 goroutine 处理，
// 会话间互不共享可变状态。
type sessionActor struct {
	sessionID string
	userID    string
	tenantID  string
	courseID  string

	mailbox   chan actorMsg
	window    []windowEntry
	features  model.SessionFeatures
	lastGood  model.SessionFeatures
	startedAt time.Time
	lastRisk  float64
	pool      *SessionActorPool
}

type actorShard struct {
	mu     sync.Mutex
	actors map[string]*sessionActor
}

// SessionActorPool 按 sessionId 路由的虚拟 actor 注册表
type SessionActorPool struct {
	cfg     atomic.Pointer[config.SessionConfig]
	scorer  *StruggleScorer
	sink    AssessmentSink
	signals *repository.SignalRepository
	assess  *repository.AssessmentRepository
	session *repository.SessionRepository

	shards  [actorShardCount]*actorShard
	wg      sync.WaitGroup
	stopped atomic.Bool

	auditCh chan *model.BehavioralSignal
	auditWg sync.WaitGroup
}

func NewSessionActorPool(
	cfg config.SessionConfig,
	scorer *StruggleScorer,
	sink AssessmentSink,
	signalRepo *repository.SignalRepository,
	assessmentRepo *repository.AssessmentRepository,
	sessionRepo *repository.SessionRepository,
) *SessionActorPool {
	p := &SessionActorPool{
		scorer:  scorer,
		sink:    sink,
		signals: signalRepo,
		assess:  assessmentRepo,
		session: sessionRepo,
		auditCh: make(chan *model.BehavioralSignal, 1024),
	}
	p.cfg.Store(&cfg)
	for i := range p.shards {
		p.shards[i] = &actorShard{actors: make(map[string]*sessionActor)}
	}
	p.auditWg.Add(1)
	go p.runAuditWriter()
	return p
}

// Reload 会话参数热更新；已存在的 actor 下一条信号起生效
func (p *SessionActorPool) Reload(cfg config.SessionConfig) {
	p.cfg.Store(&cfg)
}

// SetSink 回填评估消费方，用于打破装配期的环形依赖；仅允许在流量启动前调用
func (p *SessionActorPool) SetSink(sink AssessmentSink) {
	p.sink = sink
}

func (p *SessionActorPool) shardFor(sessionID string) *actorShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return p.shards[h.Sum32()%actorShardCount]
}

// Dispatch 将已通过校验的信号投递到所属会话的信箱。
// 信箱满时返回 ErrMailboxFull（背压丢弃，计数但不阻塞上报端）。
func (p *SessionActorPool) Dispatch(signal *model.BehavioralSignal) error {
	if p.stopped.Load() {
		return util.ErrEngineStopped
	}

	shard := p.shardFor(signal.SessionID)
	shard.mu.Lock()
	actor, ok := shard.actors[signal.SessionID]
	if !ok {
		actor = p.spawn(signal)
		shard.actors[signal.SessionID] = actor
		monitoring.ActiveSessions.Inc()
	}
	shard.mu.Unlock()

	select {
	case actor.mailbox <- actorMsg{kind: msgSignal, signal: signal}:
		return nil
	default:
		monitoring.SignalCounter.WithLabelValues("mailbox_full").Inc()
		return util.ErrMailboxFull
	}
}

// Features 同步查询会话当前特征，不存在时返回 false
func (p *SessionActorPool) Features(sessionID string) (model.SessionFeatures, bool) {
	shard := p.shardFor(sessionID)
	shard.mu.Lock()
	actor, ok := shard.actors[sessionID]
	shard.mu.Unlock()
	if !ok {
		return model.SessionFeatures{}, false
	}

	reply := make(chan model.SessionFeatures, 1)
	select {
	case actor.mailbox <- actorMsg{kind: msgQuery, reply: reply}:
	case <-time.After(time.Second):
		return model.SessionFeatures{}, false
	}
	select {
	case f := <-reply:
		return f, true
	case <-time.After(time.Second):
		return model.SessionFeatures{}, false
	}
}

// CloseSession 显式关闭会话，最终状态落库
func (p *SessionActorPool) CloseSession(sessionID string) error {
	shard := p.shardFor(sessionID)
	shard.mu.Lock()
	actor, ok := shard.actors[sessionID]
	shard.mu.Unlock()
	if !ok {
		return util.ErrSessionNotFound
	}
	select {
	case actor.mailbox <- actorMsg{kind: msgClose, reason: "explicit"}:
		return nil
	default:
		return util.ErrMailboxFull
	}
}

func (p *SessionActorPool) ActiveCount() int {
	total := 0
	for _, shard := range p.shards {
		shard.mu.Lock()
		total += len(shard.actors)
		shard.mu.Unlock()
	}
	return total
}

// Shutdown 停止接收新信号并等待所有 actor 冲刷退出
func (p *SessionActorPool) Shutdown(ctx context.Context) {
	p.stopped.Store(true)
	for _, shard := range p.shards {
		shard.mu.Lock()
		for _, actor := range shard.actors {
			select {
			case actor.mailbox <- actorMsg{kind: msgClose, reason: "shutdown"}:
			default:
			}
		}
		shard.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Log.Warn("Session actor pool shutdown timed out")
	}

	close(p.auditCh)
	p.auditWg.Wait()
}

func (p *SessionActorPool) spawn(first *model.BehavioralSignal) *sessionActor {
	cfg := p.cfg.Load()
	actor := &sessionActor{
		sessionID: first.SessionID,
		userID:    first.UserID,
		tenantID:  first.TenantID,
		courseID:  first.CourseID,
		mailbox:   make(chan actorMsg, cfg.MailboxSize),
		startedAt: time.Now(),
		pool:      p,
	}
	p.wg.Add(1)
	go actor.run()
	return actor
}

func (p *SessionActorPool) remove(sessionID string) {
	shard := p.shardFor(sessionID)
	shard.mu.Lock()
	if _, ok := shard.actors[sessionID]; ok {
		delete(shard.actors, sessionID)
		monitoring.ActiveSessions.Dec()
	}
	shard.mu.Unlock()
}

func (a *sessionActor) run() {
	defer a.pool.wg.Done()

	cfg := a.pool.cfg.Load()
	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg := <-a.mailbox:
			switch msg.kind {
			case msgSignal:
				a.handleSignal(msg.signal)
				cfg = a.pool.cfg.Load()
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(cfg.IdleTimeout)
			case msgQuery:
				msg.reply <- a.features
			case msgClose:
				a.flush(msg.reason)
				a.pool.remove(a.sessionID)
				return
			}
		case <-idle.C:
			a.flush("idle_expired")
			a.pool.remove(a.sessionID)
			return
		}
	}
}

func (a *sessionActor) handleSignal(signal *model.BehavioralSignal) {
	start := time.Now()
	defer func() {
		monitoring.SignalProcessDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := a.pool.cfg.Load()

	a.window = append(a.window, windowEntry{
		typ:        signal.Type,
		durationMs: signal.DurationMs,
		isError:    signal.IsError,
		at:         signal.Timestamp,
	})
	a.trimWindow(cfg, signal.Timestamp)

	// 审计落库走异步批量写，不占热路径
	select {
	case a.pool.auditCh <- signal:
	default:
		monitoring.SignalCounter.WithLabelValues("audit_dropped").Inc()
	}

	a.recomputeFeatures()

	if a.features.SampleCount < cfg.MinSamples {
		return
	}

	// 评分与决策共用单信号硬预算；超时放弃本次决策（宁可错过，不可阻塞）
	budget := time.Duration(cfg.ProcessBudgetMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	assessment := a.pool.scorer.Score(a.features, nil, time.Now())
	assessment.ID = model.GenerateUUID()
	assessment.SessionID = a.sessionID
	assessment.UserID = a.userID
	assessment.TenantID = a.tenantID
	assessment.CourseID = a.courseID
	a.lastRisk = assessment.RiskLevel

	// 评估结果异步持久化（审计），不阻塞决策
	go func(rec model.StruggleAssessment) {
		if err := a.pool.assess.Create(&rec); err != nil {
			logger.Log.Warn("Failed to persist struggle assessment",
				zap.Error(err), zap.String("sessionId", rec.SessionID))
		}
	}(assessment)

	if ctx.Err() != nil {
		monitoring.InterventionCounter.WithLabelValues(string(model.SuppressBudgetExceeded)).Inc()
		logger.Log.Warn("Decision pass skipped",
			zap.Error(util.ErrBudgetExceeded), zap.String("sessionId", a.sessionID))
		return
	}

	if a.pool.sink != nil {
		a.pool.sink.HandleAssessment(ctx, &assessment, a.features)
	}
}

func (a *sessionActor) trimWindow(cfg *config.SessionConfig, now time.Time) {
	cutoff := now.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
	i := 0
	for ; i < len(a.window); i++ {
		if a.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		a.window = a.window[i:]
	}
	if len(a.window) > cfg.MaxWindowSize {
		a.window = a.window[len(a.window)-cfg.MaxWindowSize:]
	}
}

// recomputeFeatures 全量重算窗口特征；计算 panic 时保留上一份可用特征继续运行
func (a *sessionActor) recomputeFeatures() {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Feature recomputation panicked, keeping last-known-good",
				zap.Any("panic", r), zap.String("sessionId", a.sessionID))
			a.features = a.lastGood
		}
	}()

	f := computeFeatures(a.window, a.startedAt)
	a.features = f
	a.lastGood = f
}

// computeFeatures 由窗口信号推导聚合特征，纯函数便于测试
func computeFeatures(window []windowEntry, startedAt time.Time) model.SessionFeatures {
	f := model.SessionFeatures{SampleCount: len(window)}
	if len(window) == 0 {
		return f
	}

	elapsed := window[len(window)-1].at.Sub(window[0].at)
	if elapsed < 0 {
		elapsed = 0
	}
	f.WindowSeconds = elapsed.Seconds()
	windowMinutes := f.WindowSeconds / 60
	if windowMinutes < 0.5 {
		windowMinutes = 0.5 // 避免极短窗口导致频率爆表
	}

	var (
		respTimes   []float64
		helpCount   int
		quizCount   int
		errCount    int
		idleTotalMs float64
		hoverTotal  float64
		hoverCount  int
		switchCount int
	)

	for _, e := range window {
		switch e.typ {
		case model.SignalQuizInteraction:
			quizCount++
			respTimes = append(respTimes, float64(e.durationMs))
			if e.isError {
				errCount++
			}
		case model.SignalClick:
			respTimes = append(respTimes, float64(e.durationMs))
		case model.SignalHelpRequest:
			helpCount++
		case model.SignalIdle:
			f.IdleCount++
			idleTotalMs += float64(e.durationMs)
		case model.SignalHover:
			hoverCount++
			hoverTotal += float64(e.durationMs)
		case model.SignalFocusChange, model.SignalPageLeave:
			switchCount++
		}
	}

	if len(respTimes) > 0 {
		var sum float64
		for _, v := range respTimes {
			sum += v
		}
		mean := sum / float64(len(respTimes))
		var varSum float64
		for _, v := range respTimes {
			varSum += (v - mean) * (v - mean)
		}
		f.AvgResponseTimeMs = mean
		f.ResponseTimeVariance = varSum / float64(len(respTimes))
	}

	f.HelpRequestRate = float64(helpCount) / windowMinutes
	if quizCount > 0 {
		f.ErrorRate = float64(errCount) / float64(quizCount)
	}
	f.IdleRate = float64(f.IdleCount) / windowMinutes
	if f.IdleCount > 0 {
		f.AvgIdleMs = idleTotalMs / float64(f.IdleCount)
	}
	if hoverCount > 0 {
		f.AvgHoverMs = hoverTotal / float64(hoverCount)
	}
	f.TaskSwitchRate = float64(switchCount) / windowMinutes

	// 空闲占比与会话时长驱动注意力/疲劳/认知负荷估计
	idleShare := 0.0
	if f.WindowSeconds > 0 {
		idleShare = math.Min(1, idleTotalMs/1000/f.WindowSeconds)
	}
	sessionHours := time.Since(startedAt).Hours()

	f.AttentionScore = util.Clamp01(1 - 0.6*idleShare - 0.1*math.Min(f.TaskSwitchRate, 4))
	f.FatigueScore = util.Clamp01(0.6*idleShare + 0.4*math.Min(sessionHours/2, 1))
	f.CognitiveLoadScore = util.Clamp01(0.4*f.ErrorRate + 0.3*math.Min(f.HelpRequestRate, 1) + 0.3*idleShare)

	return f
}

func (a *sessionActor) flush(reason string) {
	snap := &model.SessionSnapshot{
		SessionID:   a.sessionID,
		UserID:      a.userID,
		TenantID:    a.tenantID,
		CourseID:    a.courseID,
		StartedAt:   a.startedAt,
		EndedAt:     time.Now(),
		SignalCount: a.features.SampleCount,
		CloseReason: reason,
		FinalRisk:   a.lastRisk,
	}
	if err := a.pool.session.SaveSnapshot(snap); err != nil {
		logger.Log.Warn("Failed to persist session snapshot",
			zap.Error(err), zap.String("sessionId", a.sessionID))
	}
	logger.Log.Debug("Session closed",
		zap.String("sessionId", a.sessionID), zap.String("reason", reason))
}

// runAuditWriter 信号审计批量落库；写失败按瞬态错误有限重试，耗尽后丢弃（审计尽力而为）
func (p *SessionActorPool) runAuditWriter() {
	defer p.auditWg.Done()

	batch := make([]*model.BehavioralSignal, 0, auditBatchSize)
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.InitialDelay = 200 * time.Millisecond
	retryCfg.Logger = logger.Log

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := retry.Do(context.Background(), retryCfg, func() error {
			return p.signals.CreateBatch(batch)
		})
		if err != nil {
			logger.Log.Warn("Audit batch dropped after retries",
				zap.Error(util.ErrTransientStore), zap.NamedError("cause", err),
				zap.Int("size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case signal, ok := <-p.auditCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, signal)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
