package main

import (
	"fmt"
	"log"

	"custody-core/internal/model"
	"custody-core/pkg/config"
	"custody-core/pkg/database"
)

// Schema 迁移工具。生产环境的部署流水线在发布前单独执行这一步，
// 服务进程本身不做迁移。
func main() {
	config.Init()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=Asia/Shanghai",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)

	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}
	log.Println("迁移完成")
}
