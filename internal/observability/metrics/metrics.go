// Package metrics 基于 Prometheus 暴露中继服务的运行指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/poller"
)

const namespace = "amessage"

// Metrics 聚合所有采集器，并实现 poller.Observer 与 dispatch.Observer。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	transactions   *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	dispatchTime   *prometheus.HistogramVec
	payments       *prometheus.CounterVec
	earnings       prometheus.Gauge
	responsesTotal *prometheus.CounterVec
}

// New 创建独立注册表，便于测试与多实例。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "ticks_total",
			Help: "Poll ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "poller", Name: "tick_duration_seconds",
			Help:    "Duration of a poll tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "transactions_total",
			Help: "Transactions seen by the poller by result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "requests_total",
			Help: "Dispatched requests by action and error code.",
		}, []string{"action", "code"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payment", Name: "verifications_total",
			Help: "Payment verifications by result.",
		}, []string{"result"}),
		earnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "payment", Name: "earnings",
			Help: "Total earnings credited since start, in whole currency units.",
		}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "responder", Name: "submissions_total",
			Help: "Response submissions by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.ticks, m.tickDuration, m.transactions,
		m.dispatches, m.dispatchTime,
		m.payments, m.earnings, m.responsesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTick 实现 poller.Observer。
func (m *Metrics) ObserveTick(result poller.TickResult, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
	m.transactions.WithLabelValues("processed").Add(float64(result.Processed))
	m.transactions.WithLabelValues("failed").Add(float64(result.Failed))
	m.transactions.WithLabelValues("skipped").Add(float64(result.Skipped))
}

// ObserveDispatch 实现 dispatch.Observer。成功时 code 为空。
func (m *Metrics) ObserveDispatch(action string, succeeded bool, code xerrors.Code, elapsed time.Duration) {
	label := string(code)
	if succeeded || label == "" {
		label = "OK"
	}
	m.dispatches.WithLabelValues(action, label).Inc()
	m.dispatchTime.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObservePayment 记录支付校验结果。
func (m *Metrics) ObservePayment(verified bool) {
	if verified {
		m.payments.WithLabelValues("verified").Inc()
		return
	}
	m.payments.WithLabelValues("rejected").Inc()
}

// ObserveSubmission 记录响应提交结果。
func (m *Metrics) ObserveSubmission(err error) {
	if err != nil {
		m.responsesTotal.WithLabelValues("failed").Inc()
		return
	}
	m.responsesTotal.WithLabelValues("sent").Inc()
}

// SetEarnings 更新累计收益。
func (m *Metrics) SetEarnings(total float64) { m.earnings.Set(total) }

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer 启动独立的 /metrics 服务，直到 ctx 取消。
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
