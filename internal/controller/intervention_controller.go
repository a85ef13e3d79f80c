package controller

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/repository"
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/internal/util"
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type InterventionController struct {
	DeliveryService  *service.DeliveryService
	InterventionRepo *repository.InterventionRepository
}

func NewInterventionController(deliveryService *service.DeliveryService, interventionRepo *repository.InterventionRepository) *InterventionController {
	return &InterventionController{
		DeliveryService:  deliveryService,
		InterventionRepo: interventionRepo,
	}
}

// InterventionResponseRequest 学习端对干预的反馈回执
// swagger:model InterventionResponseRequest
type InterventionResponseRequest struct {
	Response string `json:"response" binding:"required,oneof=accepted dismissed ignored timeout"`
}

// RecordResponse godoc
// @Summary 记录干预反馈
// @Description 学习端上报用户对某次干预的响应，用于效果评估；重复上报幂等
// @Tags 干预
// @Accept  json
// @Produce  json
// @Param   id path string true "干预ID"
// @Param   body body InterventionResponseRequest true "反馈内容"
// @Success 200 {object} util.Response "成功"
// @Failure 400 {object} util.Response "请求参数错误"
// @Failure 404 {object} util.Response "干预不存在"
// @Router /api/interventions/{id}/response [post]
func (c *InterventionController) RecordResponse(ctx *gin.Context) {
	var req InterventionResponseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	id := ctx.Param("id")
	if err := c.DeliveryService.HandleResponse(id, model.UserResponse(req.Response)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, util.ErrInterventionNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": id})
}

// ListByUser godoc
// @Summary 查询学生的干预历史
// @Description 讲师查看某学生近期收到的干预记录
// @Tags 干预
// @Produce  json
// @Security ApiKeyAuth
// @Param   userId path string true "学生ID"
// @Param   tenantId query string true "租户ID"
// @Param   limit query int false "返回条数，默认50"
// @Success 200 {object} util.Response{data=[]model.InterventionRecord} "成功"
// @Router /api/students/{userId}/interventions [get]
func (c *InterventionController) ListByUser(ctx *gin.Context) {
	userID := ctx.Param("userId")
	tenantID := ctx.Query("tenantId")
	if tenantID == "" {
		util.BadRequest(ctx, "tenantId is required")
		return
	}
	limit := 50
	if v := ctx.Query("limit"); v != "" {
		limit = int(util.MustParseUint(v))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
	}

	recs, err := c.InterventionRepo.ListByUser(tenantID, userID, limit)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, recs)
}
