package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"custody-core/internal/model"
	"custody-core/pkg/config"
	"custody-core/pkg/database"
)

var circuitPartner string

// circuitResetCmd 人工恢复被熔断的 Partner 归集。
// 与 HTTP 的 admin 接口等价，给没有内网入口的运维留一条路。
var circuitResetCmd = &cobra.Command{
	Use:   "circuit-reset",
	Short: "恢复被熔断的 Partner 归集",
	RunE: func(cmd *cobra.Command, args []string) error {
		if circuitPartner == "" {
			return fmt.Errorf("--partner 不能为空")
		}

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
			return err
		}

		res := db.Model(&model.SweepConfiguration{}).
			Where("partner_id = ?", circuitPartner).
			Updates(map[string]interface{}{
				"suspended":            false,
				"consecutive_failures": 0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("未找到 Partner: %s", circuitPartner)
		}
		fmt.Printf("Partner %s 的归集熔断已恢复\n", circuitPartner)
		return nil
	},
}

func init() {
	circuitResetCmd.Flags().StringVar(&circuitPartner, "partner", "", "Partner ID")
	rootCmd.AddCommand(circuitResetCmd)
}
