package handler

import (
	"github.com/gin-gonic/gin"

	"custody-core/internal/energy"
	"custody-core/internal/handler/response"
)

type EnergyHandler struct {
	allocator *energy.Allocator
}

func NewEnergyHandler(a *energy.Allocator) *EnergyHandler {
	return &EnergyHandler{allocator: a}
}

// PoolStatus 供应池概览
// GET /api/v1/energy/pool
func (h *EnergyHandler) PoolStatus(c *gin.Context) {
	suppliers, err := h.allocator.PoolStatus(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, suppliers)
}

// Reprioritize 紧急再平衡: 重排供应方取用顺序
// POST /api/v1/admin/energy/reprioritize
func (h *EnergyHandler) Reprioritize(c *gin.Context) {
	if err := h.allocator.Reprioritize(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}
