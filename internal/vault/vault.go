package vault

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/address"
	"custody-core/pkg/errno"
	"custody-core/pkg/hdwallet"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"
)

// 非硬化派生下标的上限 (BIP-32)，超过即派生空间耗尽
const maxDerivationIndex = 1<<31 - 1

// 并发冲突时条件更新的重试次数。冲突意味着别的实例刚分走了一个
// index，重读后重试即可，次数用尽说明争用异常。
const indexConflictRetries = 5

// SecretManager 是密钥管理能力接口 (本地 keystore 或云端 KMS)。
// 返回的种子只在派生过程中短暂存在。
type SecretManager interface {
	Decrypt(ref string) ([]byte, error)
}

// Vault 负责 Partner HD 钱包的地址派生与登记。
// 同一 Partner 的 derivationIndex 严格递增且永不复用。
type Vault struct {
	db      *gorm.DB
	secrets SecretManager
	gen     *address.TronGenerator
}

func New(db *gorm.DB, secrets SecretManager) *Vault {
	return &Vault{
		db:      db,
		secrets: secrets,
		gen:     address.NewTronGenerator(),
	}
}

// DeriveAddress 为用户派生一个新的充值地址。
// index 分配走条件更新: 只有数据库里的 last_index 仍等于读到的旧值时
// 更新才生效，并发调用绝不会产生两个相同 index 的地址。
func (v *Vault) DeriveAddress(ctx context.Context, partnerID string, userID uint64) (*model.DepositAddress, error) {
	var wallet model.PartnerWallet
	if err := v.db.WithContext(ctx).Where("partner_id = ?", partnerID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrPartnerNotFound
		}
		return nil, err
	}

	seed, err := v.secrets.Decrypt(wallet.KeyRef)
	if err != nil {
		return nil, err
	}
	hd, err := hdwallet.NewMasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < indexConflictRetries; attempt++ {
		lastIndex := wallet.LastIndex
		nextIndex := lastIndex + 1
		if nextIndex > maxDerivationIndex {
			return nil, errno.ErrDerivationSpace
		}

		childKey, err := hd.DeriveDepositKey(uint32(nextIndex))
		if err != nil {
			return nil, err
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return nil, err
		}
		addr, err := v.gen.PubKeyToAddress(pubKey.SerializeUncompressed())
		if err != nil {
			return nil, err
		}

		deposit := &model.DepositAddress{
			PartnerID:       partnerID,
			UserID:          userID,
			DerivationIndex: nextIndex,
			Address:         addr,
			EncryptedKeyRef: wallet.KeyRef,
			IsActive:        true,
			IsMonitored:     true,
			TotalReceived:   decimal.Zero,
			TotalSwept:      decimal.Zero,
			PriorityLevel:   5,
		}

		// index 递增与地址落库是一个原子单元
		err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&model.PartnerWallet{}).
				Where("id = ? AND last_index = ?", wallet.ID, lastIndex).
				Update("last_index", nextIndex)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errno.ErrIndexConflict
			}
			return tx.Create(deposit).Error
		})
		if err == nil {
			monitor.Business.AddressDerivedTotal.WithLabelValues(partnerID).Inc()
			logger.Info("派生新充值地址",
				zap.String("partner", partnerID),
				zap.Uint64("user", userID),
				zap.Int64("index", nextIndex))
			return deposit, nil
		}
		if !errors.Is(err, errno.ErrIndexConflict) {
			return nil, err
		}

		// 其他实例抢先分配了该 index，重读最新值再试
		if err := v.db.WithContext(ctx).First(&wallet, wallet.ID).Error; err != nil {
			return nil, err
		}
	}

	return nil, errno.ErrIndexConflict
}

// GetByID 按主键查询充值地址
func (v *Vault) GetByID(ctx context.Context, id uint64) (*model.DepositAddress, error) {
	var addr model.DepositAddress
	if err := v.db.WithContext(ctx).First(&addr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrAddressNotFound
		}
		return nil, err
	}
	return &addr, nil
}

// GetByAddress 按链上地址查询
func (v *Vault) GetByAddress(ctx context.Context, addr string) (*model.DepositAddress, error) {
	var deposit model.DepositAddress
	if err := v.db.WithContext(ctx).Where("address = ?", addr).First(&deposit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrAddressNotFound
		}
		return nil, err
	}
	return &deposit, nil
}

// RecordDeposit 登记一笔充值到账 (由充值监听方回调触发)。
// 台账写入与余额累加在同一事务里，tx_hash 唯一索引保证同一笔链上
// 转账重复投递也只入账一次。返回是否为首次入账。
func (v *Vault) RecordDeposit(ctx context.Context, addr *model.DepositAddress, amount decimal.Decimal, txHash string) (bool, error) {
	record := &model.DepositRecord{
		DepositAddressID: addr.ID,
		PartnerID:        addr.PartnerID,
		TxHash:           txHash,
		Amount:           amount,
	}
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Model(&model.DepositAddress{}).
			Where("id = ?", addr.ID).
			Updates(map[string]interface{}{
				"total_received":  gorm.Expr("total_received + ?", amount),
				"last_deposit_at": time.Now(),
			}).Error
	})
	if err != nil {
		// 唯一索引冲突说明这笔已经入过账
		var seen int64
		if qErr := v.db.WithContext(ctx).Model(&model.DepositRecord{}).
			Where("tx_hash = ?", txHash).Count(&seen).Error; qErr == nil && seen > 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeriveChildKey 解密种子并派生指定下标的子私钥，供执行器签名使用。
// 返回值用完即丢，绝不落盘、绝不打日志。
func (v *Vault) DeriveChildKey(keyRef string, index int64) (hdwallet.ExtendedKey, error) {
	seed, err := v.secrets.Decrypt(keyRef)
	if err != nil {
		return nil, err
	}
	hd, err := hdwallet.NewMasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return hd.DeriveDepositKey(uint32(index))
}

// 归集/出金账户的派生路径。account 1 与充值地址的 account 0 隔离，
// 两边的 index 空间互不干扰。
const hotAccountPath = "m/44'/195'/1'/0/0"

// DeriveHotKey 派生 Partner 归集账户 (CollectionAddress) 的私钥，
// 提现执行器用它签名出金交易。
func (v *Vault) DeriveHotKey(keyRef string) (hdwallet.ExtendedKey, error) {
	seed, err := v.secrets.Decrypt(keyRef)
	if err != nil {
		return nil, err
	}
	hd, err := hdwallet.NewMasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return hd.DerivePath(hotAccountPath)
}
