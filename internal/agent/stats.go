package agent

import "time"

// Status 描述响应方的运行状态。
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// Stats 为响应方的运行统计快照。
type Stats struct {
	Address               string        `json:"address"`
	Earnings              float64       `json:"earnings"`
	Status                string        `json:"status"`
	LastSignature         string        `json:"lastSignature,omitempty"`
	ProcessedTransactions int64         `json:"processedTransactions"`
	TotalQueries          int64         `json:"totalQueries"`
	Uptime                time.Duration `json:"-"`
	UptimeSeconds         float64       `json:"uptime"`
	StartedAt             time.Time     `json:"startedAt"`
}

// Stats 返回当前统计。
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Address:               a.address,
		Earnings:              a.earnings,
		Status:                a.status,
		ProcessedTransactions: a.processed,
		TotalQueries:          a.totalQueries,
		StartedAt:             a.startedAt,
	}
	cursorFn := a.cursorFn
	a.mu.Unlock()

	if cursorFn != nil {
		s.LastSignature = cursorFn()
	}
	s.Uptime = a.now().Sub(s.StartedAt)
	s.UptimeSeconds = s.Uptime.Seconds()
	return s
}

// AttachCursor 注册游标读取函数，通常为 poller.Cursor。
func (a *Agent) AttachCursor(fn func() string) {
	a.mu.Lock()
	a.cursorFn = fn
	a.mu.Unlock()
}

// Stop 将状态标记为已停止。
func (a *Agent) Stop() {
	a.mu.Lock()
	a.status = StatusStopped
	a.mu.Unlock()
}
