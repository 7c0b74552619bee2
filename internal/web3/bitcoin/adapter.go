package bitcoin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
	"ProofChain/internal/web3/provider"
	"ProofChain/pkg/logger"
)

// Capacity is the standard OP_RETURN data-carrier limit.
const Capacity = txscript.MaxDataCarrierSize

// bitcoind error codes not exported by btcjson.
const (
	rpcVerifyRejected       btcjson.RPCErrorCode = -26
	rpcVerifyAlreadyInChain btcjson.RPCErrorCode = -27
)

// Backend is the wallet-enabled JSON-RPC surface the adapter drives.
// *rpcclient.Client satisfies it.
type Backend interface {
	FundRawTransaction(tx *wire.MsgTx, opts btcjson.FundRawTransactionOpts, isWitness *bool) (*btcjson.FundRawTransactionResult, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	Shutdown()
}

// Options configures the adapter independently of the endpoint.
type Options struct {
	Index web3.ReferenceIndex
}

// Adapter commits digests to a UTXO chain.
type Adapter struct {
	network string
	backend Backend
	guard   *web3.CommitGuard
}

// Factory returns a provider.Factory connecting to the validated endpoint.
func Factory(opts Options) provider.Factory {
	return func(ctx context.Context, cfg web3.ChainConfig) (web3.Adapter, error) {
		return Dial(ctx, cfg, opts)
	}
}

// Dial builds an rpcclient in HTTP POST mode for cfg's endpoint. Credentials
// are taken from the endpoint's user info; a path such as /wallet/<name>
// selects a wallet.
func Dial(_ context.Context, cfg web3.ChainConfig, opts Options) (*Adapter, error) {
	if !cfg.Valid() {
		return nil, xerrors.New(web3.CodeInvalidChainConfig, "链配置未经过校验")
	}
	u, err := url.Parse(cfg.Endpoint())
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeInvalidChainConfig, err, "解析比特币节点地址失败")
	}
	conn := &rpcclient.ConnConfig{
		Host:         u.Host + u.Path,
		HTTPPostMode: true,
		DisableTLS:   u.Scheme == "http",
	}
	if u.User != nil {
		conn.User = u.User.Username()
		conn.Pass, _ = u.User.Password()
	}
	client, err := rpcclient.New(conn, nil)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeAdapterTransient, err, "创建比特币 RPC 客户端失败",
			xerrors.WithMetadata("endpoint", web3.RedactEndpoint(cfg.Endpoint())))
	}
	return New(cfg, client, opts)
}

// New wraps an existing backend.
func New(cfg web3.ChainConfig, backend Backend, opts Options) (*Adapter, error) {
	if !cfg.Valid() || cfg.Family() != web3.FamilyUTXO {
		return nil, xerrors.New(web3.CodeInvalidChainConfig, "比特币适配器需要已校验的 UTXO 链配置")
	}
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少比特币后端")
	}
	return &Adapter{
		network: cfg.Network(),
		backend: backend,
		guard:   web3.NewCommitGuard(opts.Index),
	}, nil
}

// Family implements web3.Adapter.
func (a *Adapter) Family() web3.Family { return web3.FamilyUTXO }

// Capacity implements web3.Adapter.
func (a *Adapter) Capacity() int { return Capacity }

// Commit implements web3.Adapter.
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
	script, err := txscript.NullDataScript(req.Data)
	if err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodePayloadExceedsCapacity, err, "构造 OP_RETURN 脚本失败")
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, script))

	if err := ctx.Err(); err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "提交已取消")
	}
	funded, err := a.backend.FundRawTransaction(tx, btcjson.FundRawTransactionOpts{}, btcjson.Bool(false))
	if err != nil {
		return web3.ChainReference{}, classify(err, "钱包注资失败")
	}
	if funded.Fee < 0 || uint64(funded.Fee) > cfg.MaxFeeCeiling() {
		return web3.ChainReference{}, xerrors.New(web3.CodeFeeCeilingExceeded,
			fmt.Sprintf("钱包估算手续费 %d sat 超过上限 %d sat", int64(funded.Fee), cfg.MaxFeeCeiling()),
			xerrors.WithMetadata("network", a.network),
			xerrors.WithMetadata("fee", strconv.FormatInt(int64(funded.Fee), 10)))
	}
	if err := carriesExactly(funded.Transaction, script); err != nil {
		return web3.ChainReference{}, err
	}

	signed, complete, err := a.backend.SignRawTransactionWithWallet(funded.Transaction)
	if err != nil {
		return web3.ChainReference{}, classify(err, "钱包签名失败")
	}
	if !complete {
		return web3.ChainReference{}, xerrors.New(web3.CodeAdapterRejected, "钱包未能完成全部输入的签名")
	}
	if err := carriesExactly(signed, script); err != nil {
		return web3.ChainReference{}, err
	}

	if err := ctx.Err(); err != nil {
		return web3.ChainReference{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "提交已取消")
	}
	txid := signed.TxHash()
	if hash, err := a.backend.SendRawTransaction(signed, false); err != nil {
		if rpcCode(err) != rpcVerifyAlreadyInChain {
			return web3.ChainReference{}, classify(err, "广播交易失败")
		}
	} else if hash != nil {
		txid = *hash
	}

	logger.Named("web3.bitcoin").Info("提交交易已广播",
		"network", a.network,
		"tx", txid.String(),
		"fee_sat", int64(funded.Fee),
		"content_hash", req.ContentHash,
	)
	return web3.ChainReference{Network: a.network, TxID: txid.String()}, nil
}

// carriesExactly checks that the wallet kept our OP_RETURN output untouched
// and did not add another one.
func carriesExactly(tx *wire.MsgTx, script []byte) error {
	if tx == nil {
		return xerrors.New(web3.CodeAdapterRejected, "钱包返回了空交易")
	}
	found := 0
	for _, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) != txscript.NullDataTy {
			continue
		}
		if !bytes.Equal(out.PkScript, script) || out.Value != 0 {
			return xerrors.New(web3.CodeAdapterRejected, "钱包修改了 OP_RETURN 输出")
		}
		found++
	}
	if found != 1 {
		return xerrors.New(web3.CodeAdapterRejected, fmt.Sprintf("交易应包含 1 个 OP_RETURN 输出，实际 %d", found))
	}
	return nil
}

// QueryStatus implements web3.Adapter.
func (a *Adapter) QueryStatus(ctx context.Context, ref web3.ChainReference) (web3.ChainStatus, error) {
	if ref.Network != a.network {
		return web3.ChainStatus{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("适配器服务于 %s，无法查询 %s", a.network, ref.Network))
	}
	hash, err := chainhash.NewHashFromStr(ref.TxID)
	if err != nil {
		return web3.NotFound(), nil
	}
	if err := ctx.Err(); err != nil {
		return web3.ChainStatus{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "查询已取消")
	}
	res, err := a.backend.GetRawTransactionVerbose(hash)
	if err != nil {
		if rpcCode(err) == btcjson.ErrRPCNoTxInfo {
			return web3.NotFound(), nil
		}
		return web3.ChainStatus{}, xerrors.Wrap(web3.CodeAdapterTransient, err, "查询交易失败")
	}
	if res.Confirmations == 0 {
		return web3.Pending(), nil
	}
	return web3.Confirmed(res.Confirmations), nil
}

// Close shuts the RPC client down.
func (a *Adapter) Close() {
	a.backend.Shutdown()
}

func rpcCode(err error) btcjson.RPCErrorCode {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

func classify(err error, message string) error {
	switch rpcCode(err) {
	case btcjson.ErrRPCWalletInsufficientFunds, rpcVerifyRejected, btcjson.ErrRPCVerify, btcjson.ErrRPCDeserialization:
		return xerrors.Wrap(web3.CodeAdapterRejected, err, message)
	default:
		return xerrors.Wrap(web3.CodeAdapterTransient, err, message)
	}
}
