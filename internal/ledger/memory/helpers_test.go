package memory

import "AMessage-Chain/internal/ledger"

func submission(payload, to string, amount float64) ledger.Submission {
	return ledger.Submission{Payload: []byte(payload), To: to, Amount: amount}
}
