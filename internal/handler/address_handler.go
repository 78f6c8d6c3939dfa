package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"custody-core/internal/handler/request"
	"custody-core/internal/handler/response"
	"custody-core/internal/vault"
	"custody-core/pkg/errno"
)

type AddressHandler struct {
	vault *vault.Vault
}

func NewAddressHandler(v *vault.Vault) *AddressHandler {
	return &AddressHandler{vault: v}
}

// Derive 为用户派生一个新的充值地址
// POST /api/v1/addresses
func (h *AddressHandler) Derive(c *gin.Context) {
	var req request.DeriveAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	addr, err := h.vault.DeriveAddress(c.Request.Context(), req.PartnerID, req.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, addr)
}

// Get 查询充值地址
// GET /api/v1/addresses/:id
func (h *AddressHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	addr, err := h.vault.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, addr)
}
