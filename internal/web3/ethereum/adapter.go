package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
	"ProofChain/internal/web3/provider"
	"ProofChain/pkg/logger"
)

// DefaultCapacity bounds the calldata of a single commitment.
const DefaultCapacity = 32 << 10

// Backend is the subset of an Ethereum client the adapter needs. Both
// *ethclient.Client and the go-ethereum simulated client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Options configures the adapter independently of the endpoint.
type Options struct {
	Key *ecdsa.PrivateKey
	// Sink receives the zero-value commitment transactions. Zero means the
	// sender's own address.
	Sink     common.Address
	Index    web3.ReferenceIndex
	Capacity int
	// Nonces is shared by every adapter of the process; nil uses a
	// package-wide sequencer.
	Nonces *NonceSequencer
}

// expectedChainIDs pins public networks to their chain id so a validated
// endpoint that points at the wrong chain is refused.
var expectedChainIDs = map[string]int64{
	"ethereum": 1,
	"sepolia":  11155111,
	"polygon":  137,
	"bsc":      56,
}

// Adapter commits data to an account-based chain.
type Adapter struct {
	network  string
	backend  Backend
	closer   func()
	key      *ecdsa.PrivateKey
	from     common.Address
	sink     common.Address
	chainID  *big.Int
	signer   coretypes.Signer
	capacity int
	guard    *web3.CommitGuard
	nonces   *nonceLane
}

// Factory returns a provider.Factory dialling the validated endpoint.
func Factory(opts Options) provider.Factory {
	return func(ctx context.Context, cfg web3.ChainConfig) (web3.Adapter, error) {
		return Dial(ctx, cfg, opts)
	}
}

// Dial connects to cfg's endpoint with ethclient.
func Dial(ctx context.Context, cfg web3.ChainConfig, opts Options) (*Adapter, error) {
	if !cfg.Valid() {
		return nil, xerrors.New(web3.CodeInvalidChainConfig, "链配置未经过校验")
	}
	client, err := ethclient.DialContext(ctx, cfg.Endpoint())
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeAdapterTransient, err, "连接以太坊节点失败",
			xerrors.WithMetadata("endpoint", web3.RedactEndpoint(cfg.Endpoint())))
	}
	adapter, err := New(ctx, cfg, client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	adapter.closer = client.Close
	return adapter, nil
}

// New wraps an existing backend.
func New(ctx context.Context, cfg web3.ChainConfig, backend Backend, opts Options) (*Adapter, error) {
	if !cfg.Valid() || cfg.Family() != web3.FamilyAccount {
		return nil, xerrors.New(web3.CodeInvalidChainConfig, "以太坊适配器需要已校验的账户模型链配置")
	}
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少以太坊后端")
	}
	if opts.Key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊签名私钥")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeAdapterTransient, err, "获取链 ID 失败")
	}
	if want, ok := expectedChainIDs[cfg.Network()]; ok && chainID.Cmp(big.NewInt(want)) != 0 {
		return nil, xerrors.New(web3.CodeAdapterRejected,
			fmt.Sprintf("网络 %s 的链 ID 应为 %d，节点返回 %s", cfg.Network(), want, chainID))
	}

	from := crypto.PubkeyToAddress(opts.Key.PublicKey)
	sink := opts.Sink
	if sink == (common.Address{}) {
		sink = from
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sequencer := opts.Nonces
	if sequencer == nil {
		sequencer = defaultNonces
	}

	return &Adapter{
		network:  cfg.Network(),
		backend:  backend,
		key:      opts.Key,
		from:     from,
		sink:     sink,
		chainID:  chainID,
		signer:   coretypes.LatestSignerForChainID(chainID),
		capacity: capacity,
		guard:    web3.NewCommitGuard(opts.Index),
		nonces:   sequencer.lane(cfg.Network(), from),
	}, nil
}

// Family implements web3.Adapter.
func (a *Adapter) Family() web3.Family { return web3.FamilyAccount }

// Capacity implements web3.Adapter.
func (a *Adapter) Capacity() int { return a.capacity }

// From is the sending account.
func (a *Adapter) From() common.Address { return a.from }

// Commit implements web3.Adapter. A content hash already committed on this
// network returns the existing reference without broadcasting.
func (a *Adapter) Commit(ctx context.Context, req web3.CommitRequest, cfg web3.ChainConfig) (web3.ChainReference, error) {
	if err := web3.CheckCommit(a, req, cfg); err != nil {
		return web3.ChainReference{}, err
	}
	if cfg.Network() != a.network {
		return web3.ChainReference{}, xerrors.New(web3.CodeInvalidChainConfig,
			fmt.Sprintf("适配器服务于 %s，收到 %s 的配置", a.network, cfg.Network()))
	}
	return a.guard.Do(ctx, a.network, req.ContentHash, func(ctx context.Context) (web3.ChainReference, error) {
		return a.broadcast(ctx, req, cfg)
	})
}

func (a *Adapter) broadcast(ctx context.Context, req web3.CommitRequest, cfg web3.ChainConfig) (web3.ChainReference, error) {
	gas := IntrinsicGas(req.Data)

	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "获取最新区块头失败")
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "获取小费建议失败")
	}
	maxFee, ok := feeCap(head.BaseFee, tip, gas, cfg.MaxFeeCeiling())
	if !ok {
		return web3.ChainReference{}, xerrors.New(web3.CodeFeeCeilingExceeded,
			fmt.Sprintf("提交需要 %d gas，按当前价格超过手续费上限 %d wei", gas, cfg.MaxFeeCeiling()),
			xerrors.WithMetadata("network", a.network),
			xerrors.WithMetadata("gas", strconv.FormatUint(gas, 10)))
	}
	if tip.Cmp(maxFee) > 0 {
		tip = new(big.Int).Set(maxFee)
	}

	a.nonces.mu.Lock()
	defer a.nonces.mu.Unlock()

	nonce, err := a.nonces.reserve(ctx, a.backend, a.from)
	if err != nil {
		return web3.ChainReference{}, err
	}
	tx, err := coretypes.SignNewTx(a.key, a.signer, &coretypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &a.sink,
		Value:     new(big.Int),
		Data:      req.Data,
	})
	if err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodeAdapterRejected, err, "签名交易失败")
	}

	if err := a.backend.SendTransaction(ctx, tx); err != nil && !isAlreadyKnown(err) {
		a.nonces.reset()
		return web3.ChainReference{}, classifySendError(err)
	}
	a.nonces.commit(nonce)

	logger.Named("web3.ethereum").Info("提交交易已广播",
		"network", a.network,
		"tx", tx.Hash().Hex(),
		"nonce", nonce,
		"gas", gas,
		"content_hash", req.ContentHash,
	)
	return web3.ChainReference{Network: a.network, TxID: tx.Hash().Hex()}, nil
}

// QueryStatus implements web3.Adapter.
func (a *Adapter) QueryStatus(ctx context.Context, ref web3.ChainReference) (web3.ChainStatus, error) {
	if ref.Network != a.network {
		return web3.ChainStatus{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("适配器服务于 %s，无法查询 %s", a.network, ref.Network))
	}
	if !isTxHash(ref.TxID) {
		return web3.NotFound(), nil
	}
	hash := common.HexToHash(ref.TxID)

	receipt, err := a.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, gethcore.NotFound) {
			return web3.ChainStatus{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "查询交易回执失败")
		}
		_, _, txErr := a.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(txErr, gethcore.NotFound):
			return web3.NotFound(), nil
		case txErr != nil:
			return web3.ChainStatus{}, xerrors.Wrap(web3.CodeAdapterTransient, txErr, "查询交易失败")
		}
		// Known to the node but not yet mined.
		return web3.Pending(), nil
	}

	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainStatus{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "获取最新区块高度失败")
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return web3.Confirmed(1), nil
	}
	return web3.Confirmed(head - mined + 1), nil
}

// Close releases the underlying client.
func (a *Adapter) Close() {
	if a.closer != nil {
		a.closer()
		a.closer = nil
	}
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

var rejectedMarkers = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"tx fee",
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectedMarkers {
		if strings.Contains(msg, marker) {
			return xerrors.Wrap(web3.CodeAdapterRejected, err, "节点拒绝了提交交易")
		}
	}
	return xerrors.Wrap(web3.CodeAdapterTransient, err, "广播交易失败")
}
