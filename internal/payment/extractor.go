// Package payment 从交易余额变化中提取转账，并与报文声明的报酬比对。
package payment

import (
	"math/big"

	"AMessage-Chain/internal/ledger"
)

// ObservedTransfer 是由余额快照推导出的一次转账，Amount 非负且为协议单位。
type ObservedTransfer struct {
	From   string
	To     string
	Amount float64
}

// Extractor 按账户下标比较交易前后的余额。
type Extractor struct {
	Decimals int
}

// Extract 为每个余额发生变化的下标生成一条转账，不按账户合并。
// 入账下标记为 To，From 取首个账户（付费方）；出账下标只记录 From。
func (e Extractor) Extract(tx *ledger.Transaction) []ObservedTransfer {
	if tx == nil {
		return nil
	}
	n := len(tx.PreBalances)
	if len(tx.PostBalances) < n {
		n = len(tx.PostBalances)
	}
	if len(tx.AccountKeys) < n {
		n = len(tx.AccountKeys)
	}

	var payer string
	if len(tx.AccountKeys) > 0 {
		payer = tx.AccountKeys[0]
	}

	transfers := make([]ObservedTransfer, 0, n)
	for i := 0; i < n; i++ {
		pre, post := tx.PreBalances[i], tx.PostBalances[i]
		if pre == nil || post == nil {
			continue
		}
		delta := new(big.Int).Sub(post, pre)
		switch delta.Sign() {
		case 0:
			continue
		case 1:
			transfers = append(transfers, ObservedTransfer{
				From:   payer,
				To:     tx.AccountKeys[i],
				Amount: ledger.FromBaseUnits(delta, e.Decimals),
			})
		default:
			transfers = append(transfers, ObservedTransfer{
				From:   tx.AccountKeys[i],
				Amount: ledger.FromBaseUnits(delta.Abs(delta), e.Decimals),
			})
		}
	}
	return transfers
}
