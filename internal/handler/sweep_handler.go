package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"custody-core/internal/handler/request"
	"custody-core/internal/handler/response"
	"custody-core/internal/sweep"
	"custody-core/pkg/errno"
)

type SweepHandler struct {
	scheduler *sweep.Scheduler
	queue     *sweep.Queue
	executor  *sweep.Executor
}

func NewSweepHandler(s *sweep.Scheduler, q *sweep.Queue, e *sweep.Executor) *SweepHandler {
	return &SweepHandler{scheduler: s, queue: q, executor: e}
}

// Request 手动触发归集 (走紧急队列)
// POST /api/v1/sweeps
func (h *SweepHandler) Request(c *gin.Context) {
	var req request.RequestSweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	task, err := h.scheduler.RequestSweep(c.Request.Context(), req.DepositAddressID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Get 查询归集任务状态
// GET /api/v1/sweeps/:id
func (h *SweepHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	task, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Cancel 取消尚未认领的归集任务
// POST /api/v1/sweeps/:id/cancel
func (h *SweepHandler) Cancel(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	if err := h.queue.Cancel(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// ResetCircuit 人工恢复被熔断的 Partner 归集
// POST /api/v1/admin/partners/:partner_id/circuit/reset
func (h *SweepHandler) ResetCircuit(c *gin.Context) {
	partnerID := c.Param("partner_id")
	if partnerID == "" {
		response.Error(c, errno.ErrBind)
		return
	}
	if err := h.executor.ResetCircuit(c.Request.Context(), partnerID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}
