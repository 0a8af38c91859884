package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AMessage-Chain/internal/agent"
	"AMessage-Chain/internal/auth"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/receipts"
	"AMessage-Chain/pkg/logger"
)

// StatsSource 提供响应方统计快照。
type StatsSource interface {
	Stats() agent.Stats
}

// HTTPObserver 接收请求级别的指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// HealthCheck 返回非 nil 错误时 /healthz 报告不可用。
type HealthCheck func(ctx context.Context) error

// Option 定义服务的可选配置。
type Option func(*Server)

// WithObserver 注册指标观察者。
func WithObserver(o HTTPObserver) Option {
	return func(s *Server) { s.observer = o }
}

// WithMetricsHandler 在 /metrics 暴露指标。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRateLimit 按来源地址限制请求速率。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newRateLimiter(rps, burst)
		}
	}
}

// WithAuth 要求 /api/v1 下的请求携带有效令牌，健康检查与指标不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithHealthCheck 注册健康检查。
func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) { s.health = check }
}

// Server 负责暴露只读的 REST 接口：运行统计、处理记录、健康检查与指标。
type Server struct {
	addr     string
	stats    StatsSource
	receipts receipts.Repository
	observer HTTPObserver
	metrics  http.Handler
	limiter  *rateLimiter
	health   HealthCheck
	auth     *auth.Service
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, stats StatsSource, repo receipts.Repository, opts ...Option) *Server {
	s := &Server{addr: addr, stats: stats, receipts: repo, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/stats", s.instrument("stats", s.protect(http.HandlerFunc(s.handleStats))))
	mux.Handle("/api/v1/messages", s.instrument("messages", s.protect(http.HandlerFunc(s.handleMessages))))
	mux.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.middleware(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "Agent 未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

type messagesResponse struct {
	Items  []receipts.Receipt `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.receipts == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "处理记录未启用")
		return
	}

	query := r.URL.Query()
	limit, offset := 20, 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 必须为正整数")
			return
		}
		limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "offset 必须为非负整数")
			return
		}
		offset = parsed
	}
	if limit > 100 {
		limit = 100
	}

	opts := []receipts.ListOption{receipts.WithLimit(limit), receipts.WithOffset(offset)}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []receipts.Status
		for _, part := range strings.Split(raw, ",") {
			status := receipts.Status(strings.TrimSpace(part))
			if !receipts.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "未知状态: "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, receipts.WithStatuses(statuses...))
	}
	if sender := strings.TrimSpace(query.Get("sender")); sender != "" {
		opts = append(opts, receipts.WithSender(sender))
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "since 需为 RFC3339 时间或 Unix 秒")
			return
		}
		opts = append(opts, receipts.WithSince(since))
	}

	items, err := s.receipts.List(r.Context(), opts...)
	if err != nil {
		s.log.Error("查询处理记录失败", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), xerrors.PublicMessage(err))
		return
	}
	if items == nil {
		items = []receipts.Receipt{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Items: items, Limit: limit, Offset: offset})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseSince(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder 记录响应码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) protect(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(next)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.observer.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
