package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"custody-core/internal/handler/request"
	"custody-core/internal/handler/response"
	"custody-core/internal/withdraw"
	"custody-core/pkg/errno"
)

type WithdrawHandler struct {
	engine *withdraw.Engine
}

func NewWithdrawHandler(engine *withdraw.Engine) *WithdrawHandler {
	return &WithdrawHandler{engine: engine}
}

// Create 受理提现申请并立刻走审批求值
// POST /api/v1/withdrawals
func (h *WithdrawHandler) Create(c *gin.Context) {
	var req request.CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	w, err := h.engine.Submit(c.Request.Context(), req.PartnerID, req.UserID, req.ToAddress, req.Amount, req.Priority)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, w)
}

// Get 查询提现状态
// GET /api/v1/withdrawals/:id
func (h *WithdrawHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	w, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, w)
}

// Review 管理员对 pending_review 的提现给出结论
// POST /api/v1/admin/withdrawals/:id/review
func (h *WithdrawHandler) Review(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	var req request.ReviewWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	operator := c.GetHeader("X-Admin-ID")
	if operator == "" {
		operator = "unknown"
	}

	w, err := h.engine.ResolveReview(c.Request.Context(), id, req.Action == "approve", operator)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, w)
}
