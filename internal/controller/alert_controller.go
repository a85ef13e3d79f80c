package controller

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/internal/util"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AlertController struct {
	AlertService *service.AlertService
	AlertHub     *service.AlertHub
}

func NewAlertController(alertService *service.AlertService, hub *service.AlertHub) *AlertController {
	return &AlertController{
		AlertService: alertService,
		AlertHub:     hub,
	}
}

// List godoc
// @Summary 查询讲师告警列表
// @Description 分页查询当前租户下的告警，可按课程、级别、状态过滤
// @Tags 告警
// @Produce  json
// @Security ApiKeyAuth
// @Param   courseId query string false "课程ID"
// @Param   severity query string false "级别 info/warning/critical"
// @Param   status query string false "状态 new/acknowledged/in_progress/resolved/dismissed"
// @Param   page query int false "页码，默认1"
// @Param   limit query int false "每页条数，默认20"
// @Success 200 {object} util.Response{data=object} "成功"
// @Router /api/alerts [get]
func (c *AlertController) List(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))

	filter := repository.AlertFilter{
		TenantID: claims.TenantID,
		CourseID: ctx.Query("courseId"),
		Severity: model.AlertSeverity(ctx.Query("severity")),
		Status:   model.AlertStatus(ctx.Query("status")),
		Page:     page,
		Limit:    limit,
	}

	alerts, total, err := c.AlertService.List(filter)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"alerts": alerts,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

// AlertStatusRequest 告警状态流转请求
// swagger:model AlertStatusRequest
type AlertStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=acknowledged in_progress resolved dismissed"`
}

// UpdateStatus godoc
// @Summary 流转告警状态
// @Description 讲师确认、处理、解决或忽略一条告警
// @Tags 告警
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "告警ID"
// @Param   body body AlertStatusRequest true "目标状态"
// @Success 200 {object} util.Response "成功"
// @Failure 404 {object} util.Response "告警不存在"
// @Router /api/alerts/{id}/status [put]
func (c *AlertController) UpdateStatus(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	var req AlertStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	id := ctx.Param("id")
	if err := c.AlertService.UpdateStatus(id, model.AlertStatus(req.Status), claims.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, util.ErrAlertNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": id, "status": req.Status})
}

// Feed godoc
// @Summary 实时告警推送
// @Description 升级为 WebSocket 连接，按租户（可选按课程）接收新告警
// @Tags 告警
// @Security ApiKeyAuth
// @Param   courseId query string false "仅订阅该课程的告警"
// @Success 101 {string} string "协议切换"
// @Router /api/alerts/feed [get]
func (c *AlertController) Feed(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	courseID := ctx.Query("courseId")
	if err := c.AlertHub.ServeWS(ctx.Writer, ctx.Request, claims.UserID, claims.TenantID, courseID); err != nil {
		util.LogInternalError(ctx, err)
	}
}
