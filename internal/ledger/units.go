package ledger

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ToBaseUnits 将协议单位的金额换算为链上最小单位，按十进制精确换算后四舍五入。
func ToBaseUnits(amount float64, decimals int) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return nil, fmt.Errorf("金额不合法: %v", amount)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("精度不合法: %d", decimals)
	}
	value, ok := new(big.Float).SetPrec(256).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("无法解析金额: %v", amount)
	}
	scale := new(big.Float).SetPrec(256).SetInt(pow10(decimals))
	value.Mul(value, scale)
	value.Add(value, big.NewFloat(0.5))
	out, _ := value.Int(nil)
	return out, nil
}

// FromBaseUnits 将最小单位换算为协议单位。
func FromBaseUnits(value *big.Int, decimals int) float64 {
	if value == nil || value.Sign() == 0 {
		return 0
	}
	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-decimals] + "." + digits[len(digits)-decimals:]
	}
	if neg {
		digits = "-" + digits
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0
	}
	return f
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
