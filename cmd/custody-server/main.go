package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"custody-core/internal/chain"
	croncustody "custody-core/internal/cron"
	"custody-core/internal/energy"
	"custody-core/internal/handler"
	"custody-core/internal/model"
	"custody-core/internal/mq"
	"custody-core/internal/server"
	"custody-core/internal/sweep"
	"custody-core/internal/vault"
	"custody-core/internal/withdraw"
	"custody-core/pkg/cache"
	"custody-core/pkg/config"
	"custody-core/pkg/database"
	"custody-core/pkg/keystore"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"

	"github.com/shopspring/decimal"
)

func main() {
	// 0. 初始化 Config (会动资金的参数校验失败直接退出)
	config.Init()

	// 1. 初始化 Logger 与监控指标
	logger.Init(config.Global.App.Env)
	defer logger.Sync()
	monitor.Init()

	// 2. 连接数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=Asia/Shanghai",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 开发环境自动迁移，生产环境请用 cmd/migrate 单独跑
	if config.Global.App.Env == "development" {
		logger.Info("开发环境: 尝试自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("AutoMigrate 失败", zap.Error(err))
		}
	}

	// 3. 连接 Redis
	rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 4. 加载本地 Keystore (Partner 种子都在这里，密码来自环境变量)
	password := config.Global.Sweep.KeystoreToken
	if env := os.Getenv("CUSTODY_KEYSTORE_PASSWORD"); env != "" {
		password = env
	}
	if password == "" {
		logger.Fatal("启动失败: 未提供 keystore 密码 (环境变量 CUSTODY_KEYSTORE_PASSWORD)")
	}
	secrets, err := keystore.NewStore(config.Global.Sweep.KeystorePath, password)
	if err != nil {
		logger.Fatal("加载 Keystore 失败", zap.Error(err))
	}

	// 5. 链上客户端与签名器
	chainClient := chain.NewNodeClient(config.Global.Chain.NodeURL)
	signer := chain.NewECDSASigner()

	// 6. 地址金库
	addrVault := vault.New(db, secrets)

	// 7. 能量分配器 (健康探测结果走本地缓存)
	fallbackPrice, err := decimal.NewFromString(config.Global.Energy.FallbackUnitPrice)
	if err != nil {
		logger.Fatal("fallback_unit_price 无法解析", zap.Error(err))
	}
	memCache := cache.NewMemoryCache(config.Global.Energy.HealthTTL, 10*time.Minute)
	allocator := energy.NewAllocator(db, memCache, nil, energy.Config{
		HealthTTL:         config.Global.Energy.HealthTTL,
		AllocationTTL:     config.Global.Energy.AllocationTTL,
		FallbackUnitPrice: fallbackPrice,
	})

	// 8. 消息队列
	producer := mq.NewKafkaProducer(config.Global.Kafka.Brokers)
	consumer := mq.NewKafkaConsumer(config.Global.Kafka.Brokers, config.Global.Kafka.GroupID)
	defer consumer.Close()

	// 9. 归集三件套: 队列 / 调度器 / 执行器
	queue := sweep.NewQueue(db)
	scheduler := sweep.NewScheduler(db, queue, addrVault, config.Global.Sweep.TaskTTL)
	sweepExecutor := sweep.NewExecutor(db, queue, addrVault, allocator, chainClient, signer, producer,
		sweep.ExecutorConfig{
			Workers:        config.Global.Sweep.Workers,
			PollInterval:   config.Global.Sweep.PollInterval,
			ClaimBatch:     config.Global.Sweep.ClaimBatch,
			MaxRetries:     config.Global.Sweep.MaxRetries,
			RetryBackoff:   config.Global.Sweep.RetryBackoff,
			BackoffCap:     config.Global.Sweep.BackoffCap,
			ConfirmTimeout: config.Global.Chain.ConfirmTimeout,
			ConfirmPoll:    config.Global.Chain.ConfirmPoll,
			EventTopic:     config.Global.Kafka.EventTopic,
		})

	// 10. 提现: 审批引擎 / 批次规划器 / 执行器
	scorer := withdraw.NewRiskScorer(db, rdb)
	engine := withdraw.NewEngine(db, scorer)
	planner := withdraw.NewPlanner(db, allocator)
	withdrawExecutor := withdraw.NewExecutor(db, addrVault, allocator, chainClient, signer, producer,
		withdraw.ExecutorConfig{
			Workers:        config.Global.Withdraw.Workers,
			MaxConcurrency: config.Global.Withdraw.MaxConcurrency,
			MaxRetries:     config.Global.Withdraw.MaxRetries,
			RetryBackoff:   config.Global.Withdraw.RetryBackoff,
			PollInterval:   config.Global.Withdraw.PlanInterval,
			ConfirmTimeout: config.Global.Chain.ConfirmTimeout,
			ConfirmPoll:    config.Global.Chain.ConfirmPoll,
			EventTopic:     config.Global.Kafka.EventTopic,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 11. 订阅充值事件
	if err := consumer.Subscribe(ctx, config.Global.Kafka.DepositTopic, scheduler.HandleDepositEvent); err != nil {
		logger.Fatal("订阅充值事件失败", zap.Error(err))
	}

	// 12. 启动执行器与定时任务
	go sweepExecutor.Start(ctx)
	go withdrawExecutor.Start(ctx)

	cronService := croncustody.New(rdb, scheduler, queue, allocator, planner)
	cronService.Start(config.Global.Withdraw.PlanInterval)
	defer cronService.Stop()

	// 13. HTTP Server
	router := server.NewHTTPRouter(server.Handlers{
		Address:  handler.NewAddressHandler(addrVault),
		Sweep:    handler.NewSweepHandler(scheduler, queue, sweepExecutor),
		Withdraw: handler.NewWithdrawHandler(engine),
		Energy:   handler.NewEnergyHandler(allocator),
	})
	httpServer := &http.Server{
		Addr:    ":" + config.Global.App.HttpPort,
		Handler: router,
	}
	go func() {
		logger.Info("HTTP 服务启动", zap.String("port", config.Global.App.HttpPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务异常退出", zap.Error(err))
		}
	}()

	// 14. 等待退出信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("收到退出信号，开始关闭...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP 服务关闭超时", zap.Error(err))
	}

	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}
