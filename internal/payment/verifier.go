package payment

import "AMessage-Chain/internal/envelope"

// VerificationResult 为付款校验结果。
type VerificationResult struct {
	Verified bool
	Amount   float64
}

// Verifier 校验转账是否覆盖了报文声明的报酬。
type Verifier struct {
	// Address 为响应方自身地址。
	Address string
	// Minimum 为响应方要求的最低报酬，声明金额低于该值时以该值为准。
	Minimum float64
}

// Required 返回请求实际需要支付的金额。
func (v Verifier) Required(declared float64) float64 {
	if v.Minimum > declared {
		return v.Minimum
	}
	return declared
}

// Verify 选取第一笔转给响应方且金额不低于要求的转账。超额付款被接受，不足额直接拒绝。
func (v Verifier) Verify(transfers []ObservedTransfer, env *envelope.Envelope) VerificationResult {
	declared, ok := env.DeclaredCompensation()
	if !ok || v.Address == "" {
		return VerificationResult{}
	}
	required := v.Required(declared)
	for _, t := range transfers {
		if t.To == v.Address && t.Amount >= required {
			return VerificationResult{Verified: true, Amount: t.Amount}
		}
	}
	return VerificationResult{}
}
