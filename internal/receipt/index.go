package receipt

import (
	"context"

	"ProofChain/internal/web3"
)

// StoreIndex 基于记录存储实现 web3.ReferenceIndex：任何已拿到链上引用的记录
// （包括确认超时而 Failed 的记录）都视为该哈希在该网络上已提交。
// Save 不做任何事，引用由 MarkBroadcast 写入。
type StoreIndex struct {
	store Store
}

// NewStoreIndex 构造 StoreIndex。
func NewStoreIndex(store Store) *StoreIndex {
	return &StoreIndex{store: store}
}

// Lookup 实现 web3.ReferenceIndex。
func (i *StoreIndex) Lookup(ctx context.Context, network, contentHash string) (web3.ChainReference, bool, error) {
	records, err := i.store.FindByHash(ctx, contentHash)
	if err != nil {
		return web3.ChainReference{}, false, err
	}
	for _, rec := range records {
		if rec.Network == network && rec.ChainReference != nil && !rec.ChainReference.IsZero() {
			return *rec.ChainReference, true, nil
		}
	}
	return web3.ChainReference{}, false, nil
}

// Save 实现 web3.ReferenceIndex。
func (i *StoreIndex) Save(context.Context, string, string, web3.ChainReference) error {
	return nil
}

var _ web3.ReferenceIndex = (*StoreIndex)(nil)
