package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/alerting"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/observability/tracing"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

// Binder 为已校验的链配置提供适配器，provider.Registry 满足该接口。
type Binder interface {
	Bind(ctx context.Context, cfg web3.ChainConfig) (web3.Adapter, error)
}

// RetryPolicy 描述广播的指数退避策略。
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
	// AttemptTimeout 限制单次提交调用的耗时。
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy 返回默认退避参数。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
		AttemptTimeout:  time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// Broadcaster 从队列消费广播任务并通过适配器提交到链上。
type Broadcaster struct {
	validator   *web3.Validator
	binder      Binder
	store       Store
	consumer    Consumer
	workerCount int
	retry       RetryPolicy
	alerter     alerting.Dispatcher
}

// BroadcasterOption 定义可选配置。
type BroadcasterOption func(*Broadcaster)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) BroadcasterOption {
	return func(b *Broadcaster) {
		if workers > 0 {
			b.workerCount = workers
		}
	}
}

// WithRetryPolicy 设置退避策略。
func WithRetryPolicy(p RetryPolicy) BroadcasterOption {
	return func(b *Broadcaster) {
		b.retry = p.normalized()
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) BroadcasterOption {
	return func(b *Broadcaster) {
		b.alerter = d
	}
}

// NewBroadcaster 构造 Broadcaster。
func NewBroadcaster(validator *web3.Validator, binder Binder, store Store, consumer Consumer, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		validator:   validator,
		binder:      binder,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		retry:       DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start 启动广播循环，直到 ctx 结束。
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return b.consumer.Consume(ctx, b.workerCount, b.Handle)
}

// Handle 处理单个广播任务。只有存储故障会返回错误，使队列重新投递；
// 其余失败都落到记录的 Failed 状态上。
func (b *Broadcaster) Handle(ctx context.Context, job Job) (err error) {
	if b.store == nil || b.validator == nil || b.binder == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "广播器未初始化")
	}
	ctx, span := tracing.Start(ctx, "receipt.Broadcast")
	span.SetAttributes(attribute.String("record.id", job.RecordID))
	defer func() { tracing.End(span, err) }()

	rec, err := b.store.Get(ctx, job.RecordID)
	if err != nil {
		if IsNotFound(err) {
			logger.L().Warn("广播任务对应的记录不存在", slog.String("record_id", job.RecordID))
			return nil
		}
		return err
	}
	if rec.State != StatePending {
		logger.L().Debug("跳过非 Pending 记录", slog.String("record_id", rec.ID), slog.String("state", string(rec.State)))
		return nil
	}

	started := time.Now()
	ref, commitErr := b.commit(ctx, rec, job)
	metrics.ObserveCommitDuration(rec.Network, time.Since(started))
	if commitErr != nil {
		if ctx.Err() != nil {
			// 停机中断了退避等待，记录保持 Pending，交给队列重投。
			return ctx.Err()
		}
		return b.fail(ctx, rec, commitErr)
	}

	if _, err := b.store.MarkBroadcast(ctx, rec.ID, ref); err != nil {
		if xerrors.CodeOf(err) == CodeInvalidTransition {
			// 轮询器或其他副本已推进该记录。
			logger.L().Warn("记录状态已变化，忽略广播结果", slog.String("record_id", rec.ID), slog.String("tx", ref.TxID))
			return nil
		}
		logger.L().Error("写入广播状态失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		// 重投后适配器会通过幂等索引直接返回相同引用。
		return err
	}
	metrics.ObserveTransition(rec.Network, string(StateBroadcast))
	logger.Audit().Info("记录已广播",
		slog.String("record_id", rec.ID),
		slog.String("network", ref.Network),
		slog.String("tx", ref.TxID),
		slog.String("content_hash", rec.ContentHash),
	)
	return nil
}

func (b *Broadcaster) commit(ctx context.Context, rec *Record, job Job) (web3.ChainReference, error) {
	cfg, err := b.validator.Validate(job.Chain)
	if err != nil {
		return web3.ChainReference{}, err
	}
	if cfg.Network() != rec.Network {
		return web3.ChainReference{}, xerrors.New(CodeInvalidJob,
			fmt.Sprintf("任务网络 %s 与记录网络 %s 不一致", cfg.Network(), rec.Network))
	}
	if job.Tier != rec.Tier {
		return web3.ChainReference{}, xerrors.New(CodeInvalidJob, "任务分级与记录不一致")
	}
	hash, err := rec.Hash()
	if err != nil {
		return web3.ChainReference{}, err
	}

	attempts := 0
	operation := func() (web3.ChainReference, error) {
		attempts++
		adapter, err := b.binder.Bind(ctx, cfg)
		if err != nil {
			return web3.ChainReference{}, b.classify(rec, err)
		}
		payload, err := tier.FitToCapacity(tier.OnChainPayload{Tier: rec.Tier, Data: job.Data, HashOnly: job.HashOnly}, hash, adapter.Capacity())
		if err != nil {
			return web3.ChainReference{}, backoff.Permanent(err)
		}
		if err := tier.Preflight(rec.Tier, hash, payload.Data); err != nil {
			return web3.ChainReference{}, backoff.Permanent(err)
		}

		// 已发出的交易无法撤回，单次提交不跟随上层取消，只受超时约束。
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.retry.AttemptTimeout)
		defer cancel()
		ref, err := adapter.Commit(attemptCtx, web3.CommitRequest{ContentHash: rec.ContentHash, Data: payload.Data}, cfg)
		if err != nil {
			return web3.ChainReference{}, b.classify(rec, err)
		}
		metrics.ObserveCommitAttempt(rec.Network, "ok")
		return ref, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.retry.InitialInterval
	expo.MaxInterval = b.retry.MaxInterval

	ref, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(b.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.L().Warn("提交失败，稍后重试",
				slog.String("record_id", rec.ID),
				slog.String("network", rec.Network),
				slog.Int("attempt", attempts),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		if xerrors.RetryableError(err) {
			return web3.ChainReference{}, xerrors.Wrap(CodeRetriesExhausted, err,
				fmt.Sprintf("提交 %d 次后仍失败", attempts),
				xerrors.WithMetadata("attempts", fmt.Sprint(attempts)))
		}
		return web3.ChainReference{}, err
	}
	return ref, nil
}

// classify 把不可重试的错误标记为 Permanent，停止退避。
func (b *Broadcaster) classify(rec *Record, err error) error {
	if xerrors.RetryableError(err) {
		metrics.ObserveCommitAttempt(rec.Network, "retry")
		return err
	}
	metrics.ObserveCommitAttempt(rec.Network, "failed")
	return backoff.Permanent(err)
}

func (b *Broadcaster) fail(ctx context.Context, rec *Record, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = web3.CodeAdapterRejected
	}
	if _, err := b.store.MarkFailed(ctx, rec.ID, code, cause.Error()); err != nil {
		if xerrors.CodeOf(err) == CodeInvalidTransition {
			return nil
		}
		logger.L().Error("标记记录失败状态出错", slog.Any("error", err), slog.String("record_id", rec.ID))
		return err
	}
	metrics.ObserveTransition(rec.Network, string(StateFailed))
	logger.Audit().Warn("记录广播失败",
		slog.String("record_id", rec.ID),
		slog.String("network", rec.Network),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	if b.alerter != nil && (xerrors.ShouldAlert(cause) || code == CodeRetriesExhausted) {
		event := alerting.FromError(cause, "broadcast")
		event.RecordID = rec.ID
		event.Network = rec.Network
		if err := b.alerter.Notify(ctx, event); err != nil {
			logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		}
	}
	return nil
}
