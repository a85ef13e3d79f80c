package app

import (
	"context"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/controller"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/pkg/configwatcher"
	"edu_struggle_engine/pkg/database"
	"edu_struggle_engine/pkg/logger"
	"edu_struggle_engine/pkg/monitoring"
	"edu_struggle_engine/pkg/security"
	"edu_struggle_engine/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	services *services
	bgCancel context.CancelFunc
}

type repositories struct {
	user         *repository.UserRepository
	consent      *repository.ConsentRepository
	signal       *repository.SignalRepository
	session      *repository.SessionRepository
	assessment   *repository.AssessmentRepository
	intervention *repository.InterventionRepository
	alert        *repository.AlertRepository
}

type services struct {
	auth      *service.AuthService
	consent   *service.ConsentService
	scorer    *service.StruggleScorer
	pool      *service.SessionActorPool
	decision  *service.DecisionService
	delivery  *service.DeliveryService
	ingest    *service.IngestService
	alerts    *service.AlertService
	alertHub  *service.AlertHub
	retention *service.RetentionService
	archive   *service.ArchiveService
}

type controllers struct {
	auth         *controller.AuthController
	signal       *controller.SignalController
	intervention *controller.InterventionController
	alert        *controller.AlertController
	consent      *controller.ConsentController
	health       *controller.HealthController
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:         repository.NewUserRepository(db),
		consent:      repository.NewConsentRepository(db),
		signal:       repository.NewSignalRepository(db),
		session:      repository.NewSessionRepository(db),
		assessment:   repository.NewAssessmentRepository(db),
		intervention: repository.NewInterventionRepository(db),
		alert:        repository.NewAlertRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}

	s.auth = service.NewAuthService(repos.user, cfg)

	if cfg.Archive.Enabled {
		archive, err := service.NewArchiveService(&cfg.Archive, repos.signal, repos.intervention)
		if err != nil {
			logger.Log.Fatal("Failed to initialize archive storage", zap.Error(err))
		}
		s.archive = archive
	}

	var archiver service.Archiver
	if s.archive != nil {
		archiver = s.archive
	}
	s.retention = service.NewRetentionService(
		cfg.Retention,
		repos.signal, repos.session, repos.assessment, repos.intervention,
		repos.alert, repos.consent, rdb, archiver,
	)

	s.consent = service.NewConsentService(repos.consent, rdb, s.retention)
	s.scorer = service.NewStruggleScorer(cfg.Scoring)

	// 决策→投递→actor池 之间存在环形依赖：
	// 先建池再回填评估入口，流量启动前完成
	s.pool = service.NewSessionActorPool(cfg.Session, s.scorer, nil,
		repos.signal, repos.assessment, repos.session)
	s.delivery = service.NewDeliveryService(cfg.Decision, repos.intervention, nil, s.pool)
	s.decision = service.NewDecisionService(cfg.Decision, repos.intervention, s.consent, s.delivery)
	s.pool.SetSink(s.decision)

	var nonces service.NonceStore
	if rdb != nil {
		nonces = service.NewRedisNonceStore(rdb)
	} else {
		nonces = service.NewMemoryNonceStore()
	}
	s.ingest = service.NewIngestService(cfg.Ingest, s.consent, nonces, s.pool)

	s.alertHub = service.NewAlertHub()
	s.alerts = service.NewAlertService(cfg.Alerts,
		repos.assessment, repos.intervention, repos.alert, s.consent, s.alertHub)

	return s
}

func (a *App) initControllers(s *services, repos *repositories, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:         controller.NewAuthController(s.auth),
		signal:       controller.NewSignalController(s.ingest, s.pool),
		intervention: controller.NewInterventionController(s.delivery, repos.intervention),
		alert:        controller.NewAlertController(s.alerts, s.alertHub),
		consent:      controller.NewConsentController(s.consent),
		health:       controller.NewHealthController(db, rdb, s.pool),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	go s.alertHub.Run()
	go s.delivery.Run(ctx)
	go s.alerts.Run(ctx)
	go s.retention.Run(ctx)
	if a.Redis != nil {
		go s.consent.RunInvalidationListener(ctx)
	}

	// 配置热更新：评分权重、决策阈值等调参项无需重启即可生效
	go configwatcher.WatchConfig("configs/config.yaml", func(cfg *config.Config) {
		s.scorer.Reload(cfg.Scoring)
		s.pool.Reload(cfg.Session)
		s.decision.Reload(cfg.Decision)
		s.delivery.Reload(cfg.Decision)
		s.ingest.Reload(cfg.Ingest)
		s.alerts.Reload(cfg.Alerts)
		s.retention.Reload(cfg.Retention)
		logger.Log.Info("Tunable config reloaded")
	})
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if cfg.ForceMigrate || cfg.Server.Mode != "release" {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(services, repos, db, rdb)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		if _, err := tracing.InitTracer("struggle-engine", cfg.Tracing.CollectorEndpoint); err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	app.registerRoutes(router, controllers, repos, cfg)

	bgCtx, cancel := context.WithCancel(context.Background())
	app.bgCancel = cancel
	app.startBackgroundTasks(bgCtx, services)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 停止接收新请求后，先让会话池落快照再退出
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if a.services != nil {
		a.bgCancel()
		a.services.alertHub.Stop()
		a.services.pool.Shutdown(ctx)
	}

	logger.Log.Sync()
	log.Println("Server exiting")
}
