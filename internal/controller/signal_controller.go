package controller

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/internal/util"
	"errors"

	"github.com/gin-gonic/gin"
)

type SignalController struct {
	IngestService *service.IngestService
	ActorPool     *service.SessionActorPool
}

func NewSignalController(ingestService *service.IngestService, pool *service.SessionActorPool) *SignalController {
	return &SignalController{
		IngestService: ingestService,
		ActorPool:     pool,
	}
}

// Submit godoc
// @Summary 上报行为信号
// @Description 接收埋点端上报的单条行为信号，校验通过后异步处理
// @Tags 信号
// @Accept  json
// @Produce  json
// @Param   body body model.SignalSubmission true "信号数据"
// @Success 202 {object} util.Response "已接收"
// @Failure 400 {object} util.Response "校验失败"
// @Failure 403 {object} util.Response "来源或同意校验失败"
// @Router /api/signals [post]
func (c *SignalController) Submit(ctx *gin.Context) {
	var sub model.SignalSubmission
	if err := ctx.ShouldBindJSON(&sub); err != nil {
		util.Rejected(ctx, 400, util.RejectSchemaViolation)
		return
	}

	origin := ctx.GetHeader("Origin")
	if err := c.IngestService.Ingest(ctx.Request.Context(), &sub, origin); err != nil {
		reason, known := util.ReasonForError(err)
		if !known {
			util.LogInternalError(ctx, err)
			return
		}
		switch reason {
		case util.RejectSchemaViolation:
			util.Rejected(ctx, 400, reason)
		case util.RejectInvalidSignature, util.RejectReplayedNonce:
			util.Rejected(ctx, 401, reason)
		default:
			util.Rejected(ctx, 403, reason)
		}
		return
	}

	util.Accepted(ctx)
}

// CloseSession godoc
// @Summary 显式关闭会话
// @Description 学习端退出时主动结束会话，触发快照落库与状态释放
// @Tags 信号
// @Produce  json
// @Param   sessionId path string true "会话ID"
// @Success 200 {object} util.Response "已关闭"
// @Failure 404 {object} util.Response "会话不存在"
// @Router /api/sessions/{sessionId}/close [post]
func (c *SignalController) CloseSession(ctx *gin.Context) {
	sessionID := ctx.Param("sessionId")
	if err := c.ActorPool.CloseSession(sessionID); err != nil {
		if errors.Is(err, util.ErrSessionNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"sessionId": sessionID, "closed": true})
}

// SessionFeatures godoc
// @Summary 查询会话当前特征
// @Description 返回指定会话滑动窗口内的实时聚合特征，供调试与仪表盘使用
// @Tags 信号
// @Produce  json
// @Security ApiKeyAuth
// @Param   sessionId path string true "会话ID"
// @Success 200 {object} util.Response{data=model.SessionFeatures} "成功"
// @Failure 404 {object} util.Response "会话不存在"
// @Router /api/sessions/{sessionId}/features [get]
func (c *SignalController) SessionFeatures(ctx *gin.Context) {
	sessionID := ctx.Param("sessionId")
	features, ok := c.ActorPool.Features(sessionID)
	if !ok {
		util.NotFound(ctx)
		return
	}
	util.Success(ctx, features)
}
