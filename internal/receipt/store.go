package receipt

import (
	"context"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
)

// Store 抽象了提交记录的持久化接口。所有状态迁移都以记录当前状态为前提条件，
// 不满足时返回 INVALID_TRANSITION。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// FindByHash 返回同一内容哈希的全部记录，按创建时间升序。
	FindByHash(ctx context.Context, contentHash string) ([]*Record, error)
	// MarkBroadcast 执行 Pending → Broadcast。
	MarkBroadcast(ctx context.Context, id string, ref web3.ChainReference) (*Record, error)
	// AdvanceConfirmations 只会增大确认数；达到要求时执行 Broadcast → Confirmed。
	AdvanceConfirmations(ctx context.Context, id string, confirmations uint64) (*Record, error)
	// MarkFailed 执行 Pending|Broadcast → Failed。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, reason string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了记录状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Broadcast       int   `json:"broadcast"`
	Confirmed       int   `json:"confirmed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(rec *Record) {
	s.Total++
	switch rec.State {
	case StatePending:
		s.Pending++
	case StateBroadcast:
		s.Broadcast++
	case StateConfirmed:
		s.Confirmed++
	case StateFailed:
		s.Failed++
	}
	if rec.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = rec.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (rec.UpdatedAt != 0 && rec.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = rec.UpdatedAt
	}
}

// applyConfirmations 在 rec 上推进确认数，返回是否有变化。
func applyConfirmations(rec *Record, confirmations uint64) (bool, error) {
	if rec.State != StateBroadcast {
		if rec.State == StateConfirmed {
			return false, nil
		}
		return false, InvalidTransition(rec, StateConfirmed)
	}
	changed := false
	if confirmations > rec.Confirmations {
		rec.Confirmations = confirmations
		changed = true
	}
	if rec.Confirmations >= rec.RequiredConfirmations {
		rec.State = StateConfirmed
		changed = true
	}
	return changed, nil
}
