package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Session   SessionConfig   `mapstructure:"session"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

// IngestConfig 信号上报通道的安全校验参数
type IngestConfig struct {
	HMACSecret     string   `mapstructure:"hmac_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // LMS 宿主域名模式，支持 *.example.com
	NonceTTL       time.Duration `mapstructure:"nonce_ttl"`
	MaxClockSkew   time.Duration `mapstructure:"max_clock_skew"`
}

// SessionConfig 会话 actor 的窗口与生命周期参数
type SessionConfig struct {
	WindowMinutes   int           `mapstructure:"window_minutes"`  // 滚动窗口时长
	MaxWindowSize   int           `mapstructure:"max_window_size"` // 窗口内最多保留的信号数
	MinSamples      int           `mapstructure:"min_samples"`     // 低于该样本数不触发评分
	IdleTimeout     time.Duration `mapstructure:"idle_timeout_minutes"`
	MailboxSize     int           `mapstructure:"mailbox_size"`
	ShardCount      int           `mapstructure:"shard_count"`
	ProcessBudgetMs int           `mapstructure:"process_budget_ms"` // 单信号处理硬预算
}

// ScoringConfig 评分模型权重与阈值，全部可热更新（原始取值为启发式调参结果，按配置处理）
type ScoringConfig struct {
	ModelVersion          string  `mapstructure:"model_version"`
	WeightResponseVar     float64 `mapstructure:"weight_response_variability"`
	WeightIdle            float64 `mapstructure:"weight_idle_frequency"`
	WeightHelpRate        float64 `mapstructure:"weight_help_request_rate"`
	WeightErrorRate       float64 `mapstructure:"weight_error_rate"`
	WeightHover           float64 `mapstructure:"weight_hover_duration"`
	WeightFatigue         float64 `mapstructure:"weight_fatigue"`
	IdleRateThreshold     float64 `mapstructure:"idle_rate_threshold"`      // 次/分钟
	HelpRateThreshold     float64 `mapstructure:"help_rate_threshold"`      // 次/分钟
	ErrorRateThreshold    float64 `mapstructure:"error_rate_threshold"`     // 0..1
	ResponseVarThreshold  float64 `mapstructure:"response_var_threshold"`   // 方差/均值
	HoverMsThreshold      float64 `mapstructure:"hover_ms_threshold"`       // 平均悬停毫秒
	FatigueThreshold      float64 `mapstructure:"fatigue_threshold"`        // 0..1
	ConfidenceFloor       float64 `mapstructure:"confidence_floor"`         // 低于该置信度不给出时间预估
	AssessmentTTLMinutes  int     `mapstructure:"assessment_ttl_minutes"`
	FullConfidenceSamples int     `mapstructure:"full_confidence_samples"` // 达到该样本数置信度吃满
}

// DecisionConfig 干预决策引擎阈值与限频参数
type DecisionConfig struct {
	RiskThreshold       float64       `mapstructure:"risk_threshold"`
	HighRiskThreshold   float64       `mapstructure:"high_risk_threshold"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	DailyCap            int           `mapstructure:"daily_cap"`
	Cooldown            time.Duration `mapstructure:"cooldown_minutes"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout_minutes"`
}

// AlertsConfig 教师告警聚合器参数
type AlertsConfig struct {
	ScanInterval      time.Duration `mapstructure:"scan_interval_minutes"`
	WindowHours       int           `mapstructure:"window_hours"`
	StruggleThreshold int           `mapstructure:"struggle_threshold"` // 窗口内挣扎事件数
	RiskThreshold     float64       `mapstructure:"risk_threshold"`     // 窗口内平均风险
	KAnonymityFloor   int           `mapstructure:"k_anonymity_floor"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout_seconds"`
}

// RetentionConfig 留存与清除策略
type RetentionConfig struct {
	DefaultDays   int           `mapstructure:"default_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval_minutes"`
	PurgeSLA      time.Duration `mapstructure:"purge_sla_hours"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("STRUGGLE_ENGINE")
	viper.AutomaticEnv()

	// Database
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	viper.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	viper.BindEnv("server.mode", "SERVER_MODE")

	// Ingest
	viper.BindEnv("ingest.hmac_secret", "INGEST_HMAC_SECRET")

	// Archive / MinIO
	viper.BindEnv("archive.minio_endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("archive.minio_access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("archive.minio_secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("archive.minio_bucket", "MINIO_BUCKET")

	// Tracing
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour
	cfg.Ingest.NonceTTL = cfg.Ingest.NonceTTL * time.Second
	cfg.Ingest.MaxClockSkew = cfg.Ingest.MaxClockSkew * time.Second
	cfg.Session.IdleTimeout = cfg.Session.IdleTimeout * time.Minute
	cfg.Decision.Cooldown = cfg.Decision.Cooldown * time.Minute
	cfg.Decision.ResponseTimeout = cfg.Decision.ResponseTimeout * time.Minute
	cfg.Alerts.ScanInterval = cfg.Alerts.ScanInterval * time.Minute
	cfg.Alerts.QueryTimeout = cfg.Alerts.QueryTimeout * time.Second
	cfg.Retention.SweepInterval = cfg.Retention.SweepInterval * time.Minute
	cfg.Retention.PurgeSLA = cfg.Retention.PurgeSLA * time.Hour

	applyDefaults(&cfg)

	// 生产环境校验密钥强度
	if cfg.Server.Mode == "release" {
		if len(cfg.JWT.Secret) < 32 {
			return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
		}
		if len(cfg.Ingest.HMACSecret) < 32 {
			return nil, fmt.Errorf("ingest HMAC secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.Ingest.HMACSecret))
		}
	}

	return &cfg, nil
}

// applyDefaults 未配置项回落到默认调参值
func applyDefaults(cfg *Config) {
	if cfg.Session.WindowMinutes == 0 {
		cfg.Session.WindowMinutes = 10
	}
	if cfg.Session.MaxWindowSize == 0 {
		cfg.Session.MaxWindowSize = 200
	}
	if cfg.Session.MinSamples == 0 {
		cfg.Session.MinSamples = 3
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 30 * time.Minute
	}
	if cfg.Session.MailboxSize == 0 {
		cfg.Session.MailboxSize = 64
	}
	if cfg.Session.ShardCount == 0 {
		cfg.Session.ShardCount = 32
	}
	if cfg.Session.ProcessBudgetMs == 0 {
		cfg.Session.ProcessBudgetMs = 100
	}
	if cfg.Ingest.NonceTTL == 0 {
		cfg.Ingest.NonceTTL = 5 * time.Minute
	}
	if cfg.Ingest.MaxClockSkew == 0 {
		cfg.Ingest.MaxClockSkew = 2 * time.Minute
	}
	if cfg.Scoring.ModelVersion == "" {
		cfg.Scoring.ModelVersion = "v1"
	}
	if cfg.Scoring.WeightResponseVar == 0 {
		cfg.Scoring.WeightResponseVar = 0.20
	}
	if cfg.Scoring.WeightIdle == 0 {
		cfg.Scoring.WeightIdle = 0.25
	}
	if cfg.Scoring.WeightHelpRate == 0 {
		cfg.Scoring.WeightHelpRate = 0.15
	}
	if cfg.Scoring.WeightErrorRate == 0 {
		cfg.Scoring.WeightErrorRate = 0.25
	}
	if cfg.Scoring.WeightHover == 0 {
		cfg.Scoring.WeightHover = 0.05
	}
	if cfg.Scoring.WeightFatigue == 0 {
		cfg.Scoring.WeightFatigue = 0.10
	}
	if cfg.Scoring.IdleRateThreshold == 0 {
		cfg.Scoring.IdleRateThreshold = 1.0
	}
	if cfg.Scoring.HelpRateThreshold == 0 {
		cfg.Scoring.HelpRateThreshold = 0.5
	}
	if cfg.Scoring.ErrorRateThreshold == 0 {
		cfg.Scoring.ErrorRateThreshold = 0.3
	}
	if cfg.Scoring.ResponseVarThreshold == 0 {
		cfg.Scoring.ResponseVarThreshold = 0.5
	}
	if cfg.Scoring.HoverMsThreshold == 0 {
		cfg.Scoring.HoverMsThreshold = 8000
	}
	if cfg.Scoring.FatigueThreshold == 0 {
		cfg.Scoring.FatigueThreshold = 0.7
	}
	if cfg.Scoring.ConfidenceFloor == 0 {
		cfg.Scoring.ConfidenceFloor = 0.5
	}
	if cfg.Scoring.AssessmentTTLMinutes == 0 {
		cfg.Scoring.AssessmentTTLMinutes = 10
	}
	if cfg.Scoring.FullConfidenceSamples == 0 {
		cfg.Scoring.FullConfidenceSamples = 20
	}
	if cfg.Decision.RiskThreshold == 0 {
		cfg.Decision.RiskThreshold = 0.5
	}
	if cfg.Decision.HighRiskThreshold == 0 {
		cfg.Decision.HighRiskThreshold = 0.75
	}
	if cfg.Decision.ConfidenceThreshold == 0 {
		cfg.Decision.ConfidenceThreshold = 0.4
	}
	if cfg.Decision.DailyCap == 0 {
		cfg.Decision.DailyCap = 8
	}
	if cfg.Decision.Cooldown == 0 {
		cfg.Decision.Cooldown = 30 * time.Minute
	}
	if cfg.Decision.ResponseTimeout == 0 {
		cfg.Decision.ResponseTimeout = 10 * time.Minute
	}
	if cfg.Alerts.ScanInterval == 0 {
		cfg.Alerts.ScanInterval = 15 * time.Minute
	}
	if cfg.Alerts.WindowHours == 0 {
		cfg.Alerts.WindowHours = 24
	}
	if cfg.Alerts.StruggleThreshold == 0 {
		cfg.Alerts.StruggleThreshold = 3
	}
	if cfg.Alerts.RiskThreshold == 0 {
		cfg.Alerts.RiskThreshold = 0.6
	}
	if cfg.Alerts.KAnonymityFloor == 0 {
		cfg.Alerts.KAnonymityFloor = 5
	}
	if cfg.Alerts.QueryTimeout == 0 {
		cfg.Alerts.QueryTimeout = 30 * time.Second
	}
	if cfg.Retention.DefaultDays == 0 {
		cfg.Retention.DefaultDays = 180
	}
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = 60 * time.Minute
	}
	if cfg.Retention.PurgeSLA == 0 {
		cfg.Retention.PurgeSLA = 24 * time.Hour
	}
	if cfg.Retention.MaxAttempts == 0 {
		cfg.Retention.MaxAttempts = 5
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 100000
	}
	if cfg.RateLimit.WindowMinutes == 0 {
		cfg.RateLimit.WindowMinutes = 1
	}
}
