package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "custody-cli",
	Short: "托管资金核心运维工具",
	Long: `custody-core 的运维命令行。
用于初始化 Partner 钱包、导入种子到本地 Keystore 以及恢复被熔断的归集。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
