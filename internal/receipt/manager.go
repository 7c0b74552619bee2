package receipt

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/alerting"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/observability/tracing"
	"ProofChain/internal/proofs"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

// Submission 是上游交给核心的一次提交：载荷、分级与目标链。
type Submission struct {
	Payload  any
	Tier     tier.Tier
	Chain    web3.ChainCandidate
	Metadata tier.Metadata
}

// Manager 负责记录的创建与查询。Submit 全程同步且不做网络 I/O（队列投递除外）。
type Manager struct {
	sanitizer *sanitize.Sanitizer
	algorithm proofs.Algorithm
	signer    proofs.Signer
	policy    *tier.Policy
	validator *web3.Validator
	store     Store
	producer  Producer
	alerter   alerting.Dispatcher
	now       func() time.Time
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithSanitizer 指定载荷清洗器。
func WithSanitizer(s *sanitize.Sanitizer) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.sanitizer = s
		}
	}
}

// WithAlgorithm 指定哈希算法。
func WithAlgorithm(alg proofs.Algorithm) ManagerOption {
	return func(m *Manager) {
		if alg != "" {
			m.algorithm = alg
		}
	}
}

// WithSigner 配置签名器；未配置时记录标记为 unsigned。
func WithSigner(signer proofs.Signer) ManagerOption {
	return func(m *Manager) {
		m.signer = signer
	}
}

// WithTierPolicy 指定分级策略。
func WithTierPolicy(p *tier.Policy) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithManagerAlerts 配置告警派发器。
func WithManagerAlerts(d alerting.Dispatcher) ManagerOption {
	return func(m *Manager) {
		m.alerter = d
	}
}

// NewManager 构造 Manager。
func NewManager(validator *web3.Validator, store Store, producer Producer, opts ...ManagerOption) (*Manager, error) {
	if validator == nil || store == nil || producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "记录管理器缺少校验器、存储或队列")
	}
	m := &Manager{
		sanitizer: sanitize.New(sanitize.Config{}),
		algorithm: proofs.DefaultAlgorithm,
		policy:    tier.NewPolicy(nil),
		validator: validator,
		store:     store,
		producer:  producer,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.algorithm.Size() == 0 {
		return nil, xerrors.New(proofs.CodeUnsupportedAlgorithm, "不支持的哈希算法 "+string(m.algorithm))
	}
	return m, nil
}

// Submit 清洗、哈希、签名并按分级生成链上字节，随后创建 Pending 记录并投递广播任务。
// 链配置校验失败时记录转为 Failed，并同时返回记录与错误。
func (m *Manager) Submit(ctx context.Context, sub Submission) (rec *Record, err error) {
	ctx, span := tracing.Start(ctx, "receipt.Submit")
	defer func() { tracing.End(span, err) }()

	if !sub.Tier.Valid() {
		return nil, xerrors.New(tier.CodeInvalidTier, "未知分级 "+string(sub.Tier))
	}
	payload, err := m.sanitizer.Sanitize(sub.Payload)
	if err != nil {
		return nil, err
	}
	hash, err := proofs.Digest(payload, m.algorithm)
	if err != nil {
		return nil, err
	}
	sig, sigStatus, err := proofs.Sign(hash, m.signer)
	if err != nil {
		return nil, err
	}
	onChain, err := m.policy.ApplyExposure(payload, sub.Tier, hash, sub.Metadata)
	if err != nil {
		return nil, err
	}
	if err := tier.Preflight(sub.Tier, hash, onChain.Data); err != nil {
		m.alert(ctx, "", sub.Chain.Network, err, "submit")
		return nil, err
	}

	cfg, validateErr := m.validator.Validate(sub.Chain)
	required := sub.Chain.RequiredConfirmations
	if validateErr == nil {
		required = cfg.RequiredConfirmations()
	}

	rec = &Record{
		ID:                    uuid.NewString(),
		ContentHash:           hash.Hex(),
		HashAlgorithm:         hash.Algorithm(),
		Tier:                  sub.Tier,
		Network:               strings.ToLower(strings.TrimSpace(sub.Chain.Network)),
		State:                 StatePending,
		RequiredConfirmations: required,
		Signature:             sig,
		SignatureStatus:       sigStatus,
		CreatedAt:             m.now().Unix(),
	}
	span.SetAttributes(
		attribute.String("record.id", rec.ID),
		attribute.String("record.network", rec.Network),
		attribute.String("record.tier", string(rec.Tier)),
	)
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	metrics.ObserveTransition(rec.Network, string(StatePending))

	if validateErr != nil {
		failed, markErr := m.store.MarkFailed(ctx, rec.ID, xerrors.CodeOf(validateErr), validateErr.Error())
		if markErr != nil {
			logger.L().Error("回写校验失败状态出错", slog.Any("error", markErr), slog.String("record_id", rec.ID))
			return rec, markErr
		}
		metrics.ObserveTransition(rec.Network, string(StateFailed))
		logger.Audit().Warn("链配置校验失败",
			slog.String("record_id", rec.ID),
			slog.String("network", rec.Network),
			slog.String("endpoint", web3.RedactEndpoint(sub.Chain.Endpoint)),
			slog.String("error_code", string(xerrors.CodeOf(validateErr))),
		)
		if xerrors.ShouldAlert(validateErr) {
			m.alert(ctx, rec.ID, rec.Network, validateErr, "validate")
		}
		return failed, validateErr
	}

	job := Job{
		RecordID: rec.ID,
		Chain:    cfg.Candidate(),
		Data:     onChain.Data,
		Tier:     sub.Tier,
		HashOnly: onChain.HashOnly,
	}
	if err := m.producer.Publish(ctx, job); err != nil {
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布广播任务失败")
		logger.L().Error("广播任务入队失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		if failed, markErr := m.store.MarkFailed(ctx, rec.ID, CodeJobPublish, wrapped.Error()); markErr == nil {
			metrics.ObserveTransition(rec.Network, string(StateFailed))
			rec = failed
		}
		m.alert(ctx, rec.ID, rec.Network, wrapped, "publish")
		return rec, wrapped
	}

	logger.Audit().Info("提交记录已创建",
		slog.String("record_id", rec.ID),
		slog.String("content_hash", rec.ContentHash),
		slog.String("algorithm", string(rec.HashAlgorithm)),
		slog.String("tier", string(rec.Tier)),
		slog.String("network", rec.Network),
		slog.String("signature", string(rec.SignatureStatus)),
	)
	return rec.Clone(), nil
}

// Get 返回指定记录。
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// FindByHash 返回同一内容哈希的全部记录。
func (m *Manager) FindByHash(ctx context.Context, contentHash string) ([]*Record, error) {
	return m.store.FindByHash(ctx, strings.ToLower(strings.TrimPrefix(contentHash, "0x")))
}

// List 返回符合过滤条件的记录列表。
func (m *Manager) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	return m.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的记录统计信息。
func (m *Manager) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return m.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilSettled 轮询记录直到进入终态（Confirmed 或 Failed）或 ctx 结束。
func (m *Manager) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (m *Manager) Close() error {
	if err := m.store.Close(); err != nil {
		return err
	}
	return m.producer.Close()
}

func (m *Manager) alert(ctx context.Context, recordID, network string, cause error, stage string) {
	if m.alerter == nil {
		return
	}
	event := alerting.FromError(cause, stage)
	event.RecordID = recordID
	event.Network = network
	if err := m.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("record_id", recordID))
	}
}
