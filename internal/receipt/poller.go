package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/alerting"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/web3"
	"ProofChain/pkg/logger"
)

// Resolver 按网络返回已绑定的适配器，provider.Registry 满足该接口。
type Resolver interface {
	Get(network string) (web3.Adapter, error)
}

// PollerConfig 描述确认轮询参数。
type PollerConfig struct {
	Interval time.Duration
	// Deadline 为广播后等待确认的最长时间，超时只在本地标记 Failed。
	Deadline time.Duration
	// QueriesPerSecond 限制每个网络的状态查询速率。
	QueriesPerSecond float64
	Burst            int
}

func (c PollerConfig) normalized() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 6 * time.Hour
	}
	if c.QueriesPerSecond <= 0 {
		c.QueriesPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Poller 周期性查询 Broadcast 记录的链上状态，推进确认数。
type Poller struct {
	store    Store
	resolver Resolver
	cfg      PollerConfig
	alerter  alerting.Dispatcher
	now      func() time.Time
	pageSize int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// PollerOption 定义可选配置。
type PollerOption func(*Poller)

// WithPollerAlerts 配置告警派发器。
func WithPollerAlerts(d alerting.Dispatcher) PollerOption {
	return func(p *Poller) {
		p.alerter = d
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPoller 构造 Poller。
func NewPoller(store Store, resolver Resolver, cfg PollerConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    store,
		resolver: resolver,
		cfg:      cfg.normalized(),
		now:      time.Now,
		pageSize: maxScanLimit,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 按固定间隔轮询，直到 ctx 结束。
func (p *Poller) Run(ctx context.Context) error {
	if p.store == nil || p.resolver == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "轮询器未初始化")
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L().Error("确认轮询失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce 处理当前所有 Broadcast 记录一次。
func (p *Poller) PollOnce(ctx context.Context) error {
	records, err := p.broadcastSnapshot(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.poll(ctx, rec); err != nil {
			logger.L().Warn("查询记录确认状态失败",
				slog.String("record_id", rec.ID),
				slog.String("network", rec.Network),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// broadcastSnapshot 分页读取全部 Broadcast 记录。先取完再查询，
// 避免轮询中的状态变化使偏移量跳过记录。
func (p *Poller) broadcastSnapshot(ctx context.Context) ([]*Record, error) {
	var all []*Record
	for offset := 0; ; {
		page, err := p.store.List(ctx, scanOptions(
			WithStates(StateBroadcast),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(p.pageSize),
			WithOffset(offset),
		))
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < p.pageSize {
			return all, nil
		}
		offset += len(page)
	}
}

func (p *Poller) poll(ctx context.Context, rec *Record) error {
	if rec.ChainReference == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "Broadcast 记录缺少链上引用")
	}
	var queryErr error
	adapter, err := p.resolver.Get(rec.Network)
	if err != nil {
		queryErr = err
	} else if err := p.limiter(rec.Network).Wait(ctx); err != nil {
		return err
	} else {
		status, err := adapter.QueryStatus(ctx, *rec.ChainReference)
		switch {
		case err != nil:
			queryErr = err
		case status.State == web3.StatusConfirmed:
			updated, err := p.store.AdvanceConfirmations(ctx, rec.ID, status.Confirmations)
			if err != nil {
				return err
			}
			if updated.State == StateConfirmed {
				metrics.ObserveTransition(rec.Network, string(StateConfirmed))
				logger.Audit().Info("记录已确认",
					slog.String("record_id", rec.ID),
					slog.String("network", rec.Network),
					slog.String("tx", rec.ChainReference.TxID),
					slog.Uint64("confirmations", updated.Confirmations),
				)
				return nil
			}
		}
	}

	broadcastAt := time.Unix(rec.BroadcastAt, 0)
	if rec.BroadcastAt > 0 && p.now().Sub(broadcastAt) > p.cfg.Deadline {
		return p.expire(ctx, rec)
	}
	return queryErr
}

func (p *Poller) expire(ctx context.Context, rec *Record) error {
	cause := xerrors.New(CodeConfirmationDeadline,
		fmt.Sprintf("广播后 %s 内未达到 %d 个确认", p.cfg.Deadline, rec.RequiredConfirmations),
		xerrors.WithMetadata("tx", rec.ChainReference.TxID))
	if _, err := p.store.MarkFailed(ctx, rec.ID, CodeConfirmationDeadline, cause.Error()); err != nil {
		if xerrors.CodeOf(err) == CodeInvalidTransition {
			return nil
		}
		return err
	}
	metrics.ObserveTransition(rec.Network, string(StateFailed))
	logger.Audit().Warn("记录确认超时",
		slog.String("record_id", rec.ID),
		slog.String("network", rec.Network),
		slog.String("tx", rec.ChainReference.TxID),
	)
	if p.alerter != nil {
		event := alerting.FromError(cause, "confirm")
		event.RecordID = rec.ID
		event.Network = rec.Network
		if err := p.alerter.Notify(ctx, event); err != nil {
			logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		}
	}
	return nil
}

func (p *Poller) limiter(network string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[network]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.QueriesPerSecond), p.cfg.Burst)
		p.limiters[network] = l
	}
	return l
}
