package ethereum

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
)

// NonceSequencer hands out account nonces. One account issues one ordered
// sequence per network, so every adapter signing for the same (network,
// sender) pair shares a lane, whatever endpoint it talks to.
type NonceSequencer struct {
	mu    sync.Mutex
	lanes map[string]*nonceLane
}

// NewNonceSequencer returns an empty sequencer.
func NewNonceSequencer() *NonceSequencer {
	return &NonceSequencer{lanes: make(map[string]*nonceLane)}
}

// defaultNonces serves adapters built without an explicit sequencer.
var defaultNonces = NewNonceSequencer()

func (s *NonceSequencer) lane(network string, sender common.Address) *nonceLane {
	key := strings.ToLower(network) + "/" + sender.Hex()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = &nonceLane{}
		s.lanes[key] = l
	}
	return l
}

// nonceLane serialises sign-and-send for one (network, sender) pair.
type nonceLane struct {
	mu     sync.Mutex
	next   uint64
	loaded bool
}

type pendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// reserve must be called with l.mu held. A node that has seen more of our
// transactions than we issued wins; otherwise the local counter does, since
// a just-sent transaction may not be visible to a different endpoint yet.
func (l *nonceLane) reserve(ctx context.Context, backend pendingNoncer, from common.Address) (uint64, error) {
	pending, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, xerrors.Wrap(web3.CodeAdapterTransient, err, "获取账户 nonce 失败")
	}
	if l.loaded && l.next > pending {
		return l.next, nil
	}
	l.next = pending
	l.loaded = true
	return pending, nil
}

// commit records that nonce was accepted by the node.
func (l *nonceLane) commit(nonce uint64) { l.next = nonce + 1 }

// reset forgets the local counter after a failed send.
func (l *nonceLane) reset() { l.loaded = false }
