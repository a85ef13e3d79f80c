package controller

import (
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type HealthController struct {
	DB        *gorm.DB
	Redis     *redis.Client
	ActorPool *service.SessionActorPool
}

func NewHealthController(db *gorm.DB, rdb *redis.Client, pool *service.SessionActorPool) *HealthController {
	return &HealthController{DB: db, Redis: rdb, ActorPool: pool}
}

// @Summary 健康检查
// @Description 检查数据库与 Redis 连接状态，返回活跃会话数
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	// 检查数据库连接
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}
	if err := sqlDB.Ping(); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	redisStatus := "up"
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx.Request.Context()).Err(); err != nil {
			redisStatus = "down"
		}
	} else {
		redisStatus = "disabled"
	}

	util.Success(ctx, gin.H{
		"status": "ok",
		"components": gin.H{
			"database": "up",
			"redis":    redisStatus,
		},
		"activeSessions": c.ActorPool.ActiveCount(),
	})
}
