package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ProofChain/internal/auth"
	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/proofs"
	"ProofChain/internal/receipt"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/tier"
	"ProofChain/internal/verify"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

const defaultMaxBodyBytes = 1 << 20

// Receipts 是 API 依赖的记录管理能力，receipt.Manager 满足该接口。
type Receipts interface {
	Submit(ctx context.Context, sub receipt.Submission) (*receipt.Record, error)
	Get(ctx context.Context, id string) (*receipt.Record, error)
	List(ctx context.Context, opts ...receipt.ListOption) ([]*receipt.Record, error)
	Stats(ctx context.Context, opts ...receipt.ListOption) (receipt.Stats, error)
}

// Verifier 是公开校验入口，verify.Verifier 满足该接口。
type Verifier interface {
	Verify(ctx context.Context, claimed proofs.ContentHash, payload any) (verify.Result, error)
	Lookup(ctx context.Context, hashHex string) (verify.Result, error)
}

// Server 负责暴露 REST 接口：提交记录、查询记录与公开校验。
type Server struct {
	addr         string
	receipts     Receipts
	verifier     Verifier
	chains       map[string]web3.ChainCandidate
	maxBodyBytes int64
	auth         *auth.Service
}

// Option 定义可选配置。
type Option func(*Server)

// WithChains 配置可提交的网络。请求只能按名称选择网络，端点与费用上限来自配置。
func WithChains(chains map[string]web3.ChainCandidate) Option {
	return func(s *Server) {
		for name, candidate := range chains {
			s.chains[strings.ToLower(strings.TrimSpace(name))] = candidate
		}
	}
}

// WithMaxBodyBytes 限制请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithAuth 为记录接口启用 API key 认证，校验接口保持公开。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, receipts Receipts, verifier Verifier, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		receipts:     receipts,
		verifier:     verifier,
		chains:       make(map[string]web3.ChainCandidate),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {auth.PermissionReceiptsWrite},
		"*":             {auth.PermissionReceiptsRead},
	}})

	mux := http.NewServeMux()
	mux.Handle("/api/v1/receipts", instrument("receipts", protect(http.HandlerFunc(s.handleReceipts))))
	mux.Handle("/api/v1/receipts/", instrument("receipt_detail", protect(http.HandlerFunc(s.handleReceiptDetail))))
	mux.Handle("/api/v1/stats", instrument("stats", protect(http.HandlerFunc(s.handleStats))))
	mux.Handle("/api/v1/verify", instrument("verify", http.HandlerFunc(s.handleVerify)))
	mux.Handle("/api/v1/verify/", instrument("lookup", http.HandlerFunc(s.handleLookup)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// submitRequest 是 POST /api/v1/receipts 的请求体。
type submitRequest struct {
	Payload  json.RawMessage   `json:"payload"`
	Tier     string            `json:"tier"`
	Network  string            `json:"network"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// submitResponse 在提交被拒绝但已落库为 Failed 时同时返回记录与错误。
type submitResponse struct {
	Record *receipt.Record `json:"record,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

type verifyRequest struct {
	ContentHash   string          `json:"content_hash"`
	HashAlgorithm string          `json:"hash_algorithm,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListReceipts(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		http.Error(w, "记录服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "payload 不能为空"))
		return
	}
	payload, err := sanitize.Decode(req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	candidate, ok := s.chains[strings.ToLower(strings.TrimSpace(req.Network))]
	if !ok {
		writeError(w, xerrors.New(web3.CodeUnsupportedNetwork, "未配置的网络: "+req.Network))
		return
	}

	rec, err := s.receipts.Submit(r.Context(), receipt.Submission{
		Payload:  payload,
		Tier:     t,
		Chain:    candidate,
		Metadata: tier.Metadata(req.Metadata),
	})
	if err != nil {
		if rec == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, statusFor(err), submitResponse{Record: rec, Error: toErrorBody(err)})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Record: rec})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		http.Error(w, "记录服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.receipts.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleReceiptDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/receipts/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少记录 ID"))
		return
	}
	if s.receipts == nil {
		http.Error(w, "记录服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rec, err := s.receipts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.receipts == nil {
		http.Error(w, "记录服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.receipts.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.verifier == nil {
		http.Error(w, "校验服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req verifyRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	alg := req.HashAlgorithm
	if alg == "" {
		alg = string(proofs.DefaultAlgorithm)
	}
	claimed, err := proofs.ParseContentHash(alg, req.ContentHash)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload any
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if payload, err = sanitize.Decode(req.Payload); err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := s.verifier.Verify(r.Context(), claimed, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	hash := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/verify/"), "/")
	if hash == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少内容哈希"))
		return
	}
	if s.verifier == nil {
		http.Error(w, "校验服务未初始化", http.StatusServiceUnavailable)
		return
	}
	result, err := s.verifier.Lookup(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.Wrap(sanitize.CodePayloadTooLarge, err, "请求体过大")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func listOptionsFromQuery(r *http.Request) ([]receipt.ListOption, error) {
	q := r.URL.Query()
	var opts []receipt.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, receipt.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, receipt.WithOffset(offset))
	}
	if raw := q.Get("state"); raw != "" {
		var states []receipt.State
		for _, part := range strings.Split(raw, ",") {
			state := receipt.State(strings.ToLower(strings.TrimSpace(part)))
			if !receipt.IsValidState(state) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的记录状态: "+part)
			}
			states = append(states, state)
		}
		opts = append(opts, receipt.WithStates(states...))
	}
	if raw := q.Get("network"); raw != "" {
		opts = append(opts, receipt.WithNetwork(raw))
	}
	if raw := q.Get("tier"); raw != "" {
		t, err := tier.Parse(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, receipt.WithTier(t))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "updated_since 必须为 Unix 秒")
		}
		opts = append(opts, receipt.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, receipt.WithSortOrder(receipt.SortByUpdatedAsc))
	}
	return opts, nil
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument,
		sanitize.CodeDepthExceeded,
		sanitize.CodeInvalidPayload,
		tier.CodeInvalidTier,
		proofs.CodeInvalidHash,
		proofs.CodeUnsupportedAlgorithm:
		return http.StatusBadRequest
	case sanitize.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case web3.CodeEndpointNotAllowed,
		web3.CodeFeeCeilingExceeded,
		web3.CodeConfirmationsTooLow,
		web3.CodeUnsupportedNetwork:
		return http.StatusUnprocessableEntity
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, receipt.CodeRecordNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, receipt.CodeRecordConflict:
		return http.StatusConflict
	case receipt.CodeJobPublish, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toErrorBody(err error) *errorBody {
	body := &errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]*errorBody{"error": toErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
