package receipt

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
)

// MemoryStore 以内存方式保存提交记录，用于测试与单机开发。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if rec.ContentHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "内容哈希不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrRecordConflict
	}
	now := m.now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	rec.UpdatedAt = now
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Get 返回记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// FindByHash 实现 Store 接口。
func (m *MemoryStore) FindByHash(_ context.Context, contentHash string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Record
	for _, rec := range m.records {
		if rec.ContentHash == contentHash {
			results = append(results, rec.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// MarkBroadcast 记录链上引用。
func (m *MemoryStore) MarkBroadcast(_ context.Context, id string, ref web3.ChainReference) (*Record, error) {
	if ref.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链上引用不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.State != StatePending {
		return rec.Clone(), InvalidTransition(rec, StateBroadcast)
	}
	now := m.now().Unix()
	stored := ref
	rec.ChainReference = &stored
	rec.State = StateBroadcast
	rec.BroadcastAt = now
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

// AdvanceConfirmations 推进确认数。
func (m *MemoryStore) AdvanceConfirmations(_ context.Context, id string, confirmations uint64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	changed, err := applyConfirmations(rec, confirmations)
	if err != nil {
		return rec.Clone(), err
	}
	if changed {
		rec.UpdatedAt = m.now().Unix()
	}
	return rec.Clone(), nil
}

// MarkFailed 标记记录失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, reason string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.State.Terminal() {
		return rec.Clone(), InvalidTransition(rec, StateFailed)
	}
	rec.State = StateFailed
	rec.ErrorCode = string(code)
	rec.LastError = reason
	rec.UpdatedAt = m.now().Unix()
	return rec.Clone(), nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if opts.Matches(rec) {
			results = append(results, rec.Clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID < b.ID
			}
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Record{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的记录数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, rec := range m.records {
		if opts.Matches(rec) {
			stats.add(rec)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
