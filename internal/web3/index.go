package web3

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	xerrors "ProofChain/internal/errors"
)

// ReferenceIndex remembers which chain reference a content hash was committed
// under on a given network. It is what makes Commit idempotent across retries
// and restarts.
type ReferenceIndex interface {
	Lookup(ctx context.Context, network, contentHash string) (ChainReference, bool, error)
	Save(ctx context.Context, network, contentHash string, ref ChainReference) error
}

// MemoryIndex is a process-local ReferenceIndex.
type MemoryIndex struct {
	mu   sync.RWMutex
	refs map[string]ChainReference
}

// NewMemoryIndex constructs an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{refs: make(map[string]ChainReference)}
}

// Lookup implements ReferenceIndex.
func (m *MemoryIndex) Lookup(_ context.Context, network, contentHash string) (ChainReference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[IndexKey(network, contentHash)]
	return ref, ok, nil
}

// Save implements ReferenceIndex. The first reference stored for a key wins.
func (m *MemoryIndex) Save(_ context.Context, network, contentHash string, ref ChainReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := IndexKey(network, contentHash)
	if existing, ok := m.refs[key]; ok && existing != ref {
		return xerrors.New(xerrors.CodeConflict, "内容哈希已绑定其他链上引用")
	}
	m.refs[key] = ref
	return nil
}

// ChainedIndex consults several indexes in order, typically a shared cache
// in front of the durable record store. Save writes to every member.
type ChainedIndex []ReferenceIndex

// Lookup implements ReferenceIndex. The first hit wins.
func (c ChainedIndex) Lookup(ctx context.Context, network, contentHash string) (ChainReference, bool, error) {
	for _, idx := range c {
		ref, ok, err := idx.Lookup(ctx, network, contentHash)
		if err != nil {
			return ChainReference{}, false, err
		}
		if ok {
			return ref, true, nil
		}
	}
	return ChainReference{}, false, nil
}

// Save implements ReferenceIndex.
func (c ChainedIndex) Save(ctx context.Context, network, contentHash string, ref ChainReference) error {
	var errs []error
	for _, idx := range c {
		if err := idx.Save(ctx, network, contentHash, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IndexKey is the idempotency key of a commitment.
func IndexKey(network, contentHash string) string {
	return network + "/" + contentHash
}

// CommitGuard wraps a broadcast function with the reference index and a
// singleflight group, so a content hash is broadcast at most once per network
// even under concurrent calls.
type CommitGuard struct {
	index ReferenceIndex
	group singleflight.Group
}

// NewCommitGuard builds a guard over index. A nil index falls back to a
// process-local MemoryIndex.
func NewCommitGuard(index ReferenceIndex) *CommitGuard {
	if index == nil {
		index = NewMemoryIndex()
	}
	return &CommitGuard{index: index}
}

// Do returns the stored reference for (network, contentHash) or runs
// broadcast exactly once and records its result.
func (g *CommitGuard) Do(ctx context.Context, network, contentHash string, broadcast func(context.Context) (ChainReference, error)) (ChainReference, error) {
	if ref, ok, err := g.index.Lookup(ctx, network, contentHash); err != nil {
		return ChainReference{}, xerrors.Wrap(CodeAdapterTransient, err, "查询幂等索引失败")
	} else if ok {
		return ref, nil
	}

	key := IndexKey(network, contentHash)
	v, err, _ := g.group.Do(key, func() (any, error) {
		if ref, ok, err := g.index.Lookup(ctx, network, contentHash); err != nil {
			return ChainReference{}, xerrors.Wrap(CodeAdapterTransient, err, "查询幂等索引失败")
		} else if ok {
			return ref, nil
		}
		ref, err := broadcast(ctx)
		if err != nil {
			return ChainReference{}, err
		}
		if err := g.index.Save(ctx, network, contentHash, ref); err != nil {
			return ChainReference{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入幂等索引失败",
				xerrors.WithMetadata("tx_id", ref.TxID), xerrors.WithRetryable(false))
		}
		return ref, nil
	})
	if err != nil {
		return ChainReference{}, err
	}
	return v.(ChainReference), nil
}
