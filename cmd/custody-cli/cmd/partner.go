package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"custody-core/internal/model"
	"custody-core/pkg/address"
	"custody-core/pkg/hdwallet"
	"custody-core/pkg/keystore"
)

var (
	partnerID        string
	importMnemonic   string
	keystorePath     string
	keystorePassword string
)

var partnerCmd = &cobra.Command{
	Use:   "partner",
	Short: "Partner 钱包管理",
}

// partnerInitCmd 生成新助记词、导入 Keystore 并打印归集地址。
// PartnerWallet / SweepConfiguration 的 DB 记录由运营后台创建，
// 这里只负责密钥侧。
var partnerInitCmd = &cobra.Command{
	Use:   "init",
	Short: "为 Partner 生成新钱包并写入 Keystore",
	RunE: func(cmd *cobra.Command, args []string) error {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}

		fmt.Println("---------------------------------------------------")
		fmt.Printf("助记词 (仅此一次展示，请妥善离线保管):\n%s\n", mnemonic)
		fmt.Println("---------------------------------------------------")

		return importToKeystore(mnemonic)
	},
}

// partnerImportCmd 导入已有助记词
var partnerImportCmd = &cobra.Command{
	Use:   "import",
	Short: "导入已有助记词到 Keystore",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importMnemonic == "" {
			return fmt.Errorf("--mnemonic 不能为空")
		}
		return importToKeystore(importMnemonic)
	},
}

func importToKeystore(mnemonic string) error {
	if partnerID == "" {
		return fmt.Errorf("--partner 不能为空")
	}
	if keystorePassword == "" {
		return fmt.Errorf("--password 不能为空")
	}

	store, err := keystore.NewStore(keystorePath, keystorePassword)
	if err != nil {
		return err
	}

	ref := "partner:" + partnerID
	if err := store.ImportMnemonic(ref, mnemonic, ""); err != nil {
		return err
	}
	fmt.Printf("种子已加密写入 %s (ref: %s)\n", keystorePath, ref)

	// 派生归集地址，运营侧用它填 PartnerWallet.CollectionAddress
	seed := bip39.NewSeed(mnemonic, "")
	hd, err := hdwallet.NewMasterKeyFromSeed(seed)
	if err != nil {
		return err
	}
	hotKey, err := hd.DerivePath("m/44'/195'/1'/0/0")
	if err != nil {
		return err
	}
	pubKey, err := hotKey.ECPubKey()
	if err != nil {
		return err
	}
	gen := address.NewTronGenerator()
	collectionAddr, err := gen.PubKeyToAddress(pubKey.SerializeUncompressed())
	if err != nil {
		return err
	}
	fmt.Printf("归集地址 (CollectionAddress): %s\n", collectionAddr)

	fmt.Println("后续步骤: 在运营后台创建 PartnerWallet 与 SweepConfiguration 记录。")
	printConfigHint(ref, collectionAddr)
	return nil
}

func printConfigHint(ref, collectionAddr string) {
	w := model.PartnerWallet{
		PartnerID:         partnerID,
		KeyRef:            ref,
		CollectionAddress: collectionAddr,
		LastIndex:         -1,
	}
	cfg := model.SweepConfiguration{
		PartnerID:               partnerID,
		MinSweepAmount:          decimal.NewFromInt(10),
		MaxSweepAmount:          decimal.NewFromInt(100000),
		IntervalMinutes:         60,
		ImmediateThreshold:      decimal.NewFromInt(1000),
		ConsecutiveFailureLimit: 5,
	}
	fmt.Printf("参考记录:\n  partner_wallets: %+v\n  sweep_configurations: %+v\n", w, cfg)
}

func init() {
	partnerCmd.PersistentFlags().StringVar(&partnerID, "partner", "", "Partner ID")
	partnerCmd.PersistentFlags().StringVar(&keystorePath, "keystore", "keystore.json", "Keystore 文件路径")
	partnerCmd.PersistentFlags().StringVar(&keystorePassword, "password", "", "Keystore 密码")
	partnerImportCmd.Flags().StringVar(&importMnemonic, "mnemonic", "", "BIP-39 助记词")

	partnerCmd.AddCommand(partnerInitCmd)
	partnerCmd.AddCommand(partnerImportCmd)
	rootCmd.AddCommand(partnerCmd)
}
