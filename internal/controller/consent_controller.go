package controller

import (
	"edu_struggle_engine/internal/model"
	"edu_struggle_engine/internal/service"
	"edu_struggle_engine/internal/util"

	"github.com/gin-gonic/gin"
)

type ConsentController struct {
	ConsentService *service.ConsentService
}

func NewConsentController(consentService *service.ConsentService) *ConsentController {
	return &ConsentController{ConsentService: consentService}
}

// ConsentChangeRequest 平台同意服务推送的变更事件
// swagger:model ConsentChangeRequest
type ConsentChangeRequest struct {
	TenantID  string `json:"tenantId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
	Scope     string `json:"scope"`
	Granted   bool   `json:"granted"`
	Withdrawn bool   `json:"withdrawn"`
}

// Webhook godoc
// @Summary 同意变更回调
// @Description 平台同意服务在用户授权变更或整体撤回时推送；撤回会触发清除流程
// @Tags 同意
// @Accept  json
// @Produce  json
// @Param   body body ConsentChangeRequest true "变更事件"
// @Success 200 {object} util.Response "已处理"
// @Failure 400 {object} util.Response "请求参数错误"
// @Router /api/consent/webhook [post]
func (c *ConsentController) Webhook(ctx *gin.Context) {
	var req ConsentChangeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	scope := model.ConsentScope(req.Scope)
	if !req.Withdrawn && !model.ValidConsentScope(scope) {
		util.BadRequest(ctx, "unknown consent scope")
		return
	}

	if err := c.ConsentService.ApplyChange(ctx.Request.Context(), req.TenantID, req.UserID, scope, req.Granted, req.Withdrawn); err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"applied": true})
}
