package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custody-core/internal/handler"
	"custody-core/internal/handler/response"
	"custody-core/pkg/monitor"
)

// Handlers 聚合全部 HTTP 处理器，由组装根注入
type Handlers struct {
	Address  *handler.AddressHandler
	Sweep    *handler.SweepHandler
	Withdraw *handler.WithdrawHandler
	Energy   *handler.EnergyHandler
}

// NewHTTPRouter 初始化并返回一个 Gin Engine
func NewHTTPRouter(h Handlers) *gin.Engine {
	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 4. 注册 API 路由组
	api := r.Group("/api/v1")
	{
		api.POST("/addresses", h.Address.Derive)
		api.GET("/addresses/:id", h.Address.Get)

		api.POST("/sweeps", h.Sweep.Request)
		api.GET("/sweeps/:id", h.Sweep.Get)
		api.POST("/sweeps/:id/cancel", h.Sweep.Cancel)

		api.POST("/withdrawals", h.Withdraw.Create)
		api.GET("/withdrawals/:id", h.Withdraw.Get)

		api.GET("/energy/pool", h.Energy.PoolStatus)
	}

	// 运营侧接口，部署时挂在内网入口后面
	admin := api.Group("/admin")
	{
		admin.POST("/withdrawals/:id/review", h.Withdraw.Review)
		admin.POST("/partners/:partner_id/circuit/reset", h.Sweep.ResetCircuit)
		admin.POST("/energy/reprioritize", h.Energy.Reprioritize)
	}

	return r
}
