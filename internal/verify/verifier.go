// Package verify 提供只读的哈希校验：重新计算载荷摘要并与声明的哈希做常量时间比较，
// 同时独立查询链上确认状态。任何只持有哈希的人都可以重复调用，不需要载荷或私钥。
package verify

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/observability/tracing"
	"ProofChain/internal/proofs"
	"ProofChain/internal/receipt"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

// Outcome 是校验结论，各取值互不混淆。
type Outcome string

const (
	// OutcomeMismatch 载荷重算的摘要与声明哈希不一致。
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeMatchedUnconfirmed 摘要一致，但链上尚未达到所需确认数。
	OutcomeMatchedUnconfirmed Outcome = "matched_unconfirmed"
	// OutcomeMatchedConfirmed 摘要一致且链上已确认。
	OutcomeMatchedConfirmed Outcome = "matched_confirmed"
	// OutcomeConfirmed 未提供载荷，哈希在链上已确认。
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeUnconfirmed 未提供载荷，哈希已知但尚未确认。
	OutcomeUnconfirmed Outcome = "unconfirmed"
	// OutcomeUnknown 未提供载荷，且没有任何记录引用该哈希。
	OutcomeUnknown Outcome = "unknown"
)

// Result 是一次校验的只读结果。
type Result struct {
	Outcome        Outcome              `json:"outcome"`
	ContentHash    string               `json:"content_hash"`
	HashAlgorithm  proofs.Algorithm     `json:"hash_algorithm,omitempty"`
	Matched        bool                 `json:"matched"`
	PayloadChecked bool                 `json:"payload_checked"`
	Known          bool                 `json:"known"`
	ChainConfirmed bool                 `json:"chain_confirmed"`
	Confirmations  uint64               `json:"confirmations"`
	Network        string               `json:"network,omitempty"`
	State          receipt.State        `json:"state,omitempty"`
	ChainReference *web3.ChainReference `json:"chain_reference,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
}

// Records 按哈希查询记录，receipt.Store 与 receipt.Manager 都满足该接口。
type Records interface {
	FindByHash(ctx context.Context, contentHash string) ([]*receipt.Record, error)
}

// Resolver 按网络返回已绑定的适配器。
type Resolver interface {
	Get(network string) (web3.Adapter, error)
}

// Verifier 执行校验。零值不可用，请使用 New。
type Verifier struct {
	records   Records
	resolver  Resolver
	sanitizer *sanitize.Sanitizer
	limiter   *rate.Limiter
	now       func() time.Time
}

// Option 定义可选配置。
type Option func(*Verifier)

// WithSanitizer 替换载荷清洗器，应与提交侧使用同一份配置。
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(v *Verifier) {
		if s != nil {
			v.sanitizer = s
		}
	}
}

// WithRateLimit 限制链上状态查询速率，保护公共 RPC。
func WithRateLimit(qps float64, burst int) Option {
	return func(v *Verifier) {
		if qps > 0 {
			if burst <= 0 {
				burst = 1
			}
			v.limiter = rate.NewLimiter(rate.Limit(qps), burst)
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// New 构造 Verifier。resolver 可以为空，此时只依据本地记录判断确认状态。
func New(records Records, resolver Resolver, opts ...Option) *Verifier {
	v := &Verifier{
		records:   records,
		resolver:  resolver,
		sanitizer: sanitize.New(sanitize.Config{}),
		limiter:   rate.NewLimiter(rate.Limit(20), 5),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 校验声明的哈希。payload 为 nil 时只检查链上状态。
// 摘要不一致以 OutcomeMismatch 返回，而不是错误。
func (v *Verifier) Verify(ctx context.Context, claimed proofs.ContentHash, payload any) (result Result, err error) {
	if claimed.IsZero() {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少待校验的内容哈希")
	}
	ctx, span := tracing.Start(ctx, "verify.Verify")
	span.SetAttributes(attribute.String("content_hash", claimed.Hex()), attribute.Bool("payload", payload != nil))
	defer func() { tracing.End(span, err) }()

	result = Result{ContentHash: claimed.Hex(), HashAlgorithm: claimed.Algorithm()}
	if payload != nil {
		cleaned, err := v.sanitizer.Sanitize(payload)
		if err != nil {
			return Result{}, err
		}
		recomputed, err := proofs.Digest(cleaned, claimed.Algorithm())
		if err != nil {
			return Result{}, err
		}
		result.PayloadChecked = true
		result.Matched = digestsEqual(claimed.Bytes(), recomputed.Bytes())
	}

	if err := v.inspect(ctx, &result, claimed.Algorithm()); err != nil {
		return Result{}, err
	}
	result.Outcome = decide(result)
	result.CheckedAt = v.now().UTC()
	metrics.ObserveVerification(string(result.Outcome))
	if result.Outcome == OutcomeMismatch {
		logger.Audit().Warn("哈希校验不一致",
			slog.String("content_hash", result.ContentHash),
			slog.Bool("known", result.Known),
			slog.String("network", result.Network),
		)
	}
	return result, nil
}

// Lookup 是只持有哈希的第三方入口：返回是否存在记录、确认状态与网络。
func (v *Verifier) Lookup(ctx context.Context, hashHex string) (result Result, err error) {
	normalized := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hashHex)), "0x")
	if raw, decodeErr := hex.DecodeString(normalized); decodeErr != nil || len(raw) == 0 {
		return Result{}, xerrors.New(proofs.CodeInvalidHash, "内容哈希不是合法的十六进制")
	}
	ctx, span := tracing.Start(ctx, "verify.Lookup")
	span.SetAttributes(attribute.String("content_hash", normalized))
	defer func() { tracing.End(span, err) }()

	result = Result{ContentHash: normalized}
	if err := v.inspect(ctx, &result, ""); err != nil {
		return Result{}, err
	}
	result.Outcome = decide(result)
	result.CheckedAt = v.now().UTC()
	metrics.ObserveVerification(string(result.Outcome))
	return result, nil
}

// inspect 填充记录与链上状态。algorithm 为空时接受任意算法。
func (v *Verifier) inspect(ctx context.Context, result *Result, algorithm proofs.Algorithm) error {
	if v.records == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "校验器未配置记录来源")
	}
	records, err := v.records.FindByHash(ctx, result.ContentHash)
	if err != nil {
		return err
	}

	var best *receipt.Record
	bestRank := -1
	for _, rec := range records {
		if algorithm != "" && rec.HashAlgorithm != algorithm {
			continue
		}
		result.Known = true
		if r := rank(rec); r > bestRank {
			best, bestRank = rec, r
		}
	}
	if best == nil {
		return nil
	}
	if result.HashAlgorithm == "" {
		result.HashAlgorithm = best.HashAlgorithm
	}
	result.Network = best.Network
	result.State = best.State
	result.Confirmations = best.Confirmations
	if best.ChainReference == nil {
		return nil
	}
	ref := *best.ChainReference
	result.ChainReference = &ref
	result.ChainConfirmed = best.State == receipt.StateConfirmed

	status, ok := v.queryChain(ctx, best)
	if !ok {
		return nil
	}
	switch status.State {
	case web3.StatusConfirmed:
		if status.Confirmations > result.Confirmations {
			result.Confirmations = status.Confirmations
		}
		result.ChainConfirmed = result.Confirmations >= best.RequiredConfirmations
	default:
		// 链上状态与本地记录冲突时以链为准。
		result.ChainConfirmed = false
	}
	return nil
}

// queryChain 查询链上状态；适配器不可用时退回本地记录。
func (v *Verifier) queryChain(ctx context.Context, rec *receipt.Record) (web3.ChainStatus, bool) {
	if v.resolver == nil {
		return web3.ChainStatus{}, false
	}
	adapter, err := v.resolver.Get(rec.Network)
	if err != nil {
		logger.L().Debug("校验时网络未绑定，使用本地记录", slog.String("network", rec.Network))
		return web3.ChainStatus{}, false
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return web3.ChainStatus{}, false
	}
	status, err := adapter.QueryStatus(ctx, *rec.ChainReference)
	if err != nil {
		logger.L().Warn("校验时查询链上状态失败",
			slog.String("network", rec.Network),
			slog.String("tx", rec.ChainReference.TxID),
			slog.Any("error", err),
		)
		return web3.ChainStatus{}, false
	}
	return status, true
}

// rank 选出最能说明链上状态的记录：已确认优先，其次是带引用的记录。
func rank(rec *receipt.Record) int {
	switch {
	case rec.State == receipt.StateConfirmed:
		return 3
	case rec.ChainReference != nil && !rec.ChainReference.IsZero():
		return 2
	case rec.State == receipt.StatePending:
		return 1
	default:
		return 0
	}
}

func decide(r Result) Outcome {
	if r.PayloadChecked {
		switch {
		case !r.Matched:
			return OutcomeMismatch
		case r.ChainConfirmed:
			return OutcomeMatchedConfirmed
		default:
			return OutcomeMatchedUnconfirmed
		}
	}
	switch {
	case !r.Known:
		return OutcomeUnknown
	case r.ChainConfirmed:
		return OutcomeConfirmed
	default:
		return OutcomeUnconfirmed
	}
}

// digestsEqual 比较两个摘要，耗时只与长度有关，与首个不同字节的位置无关。
func digestsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
