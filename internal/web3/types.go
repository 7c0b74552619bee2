package web3

import (
	"context"
	"fmt"
	"net/url"

	xerrors "ProofChain/internal/errors"
)

const (
	CodeUnsupportedNetwork     xerrors.Code = "UNSUPPORTED_NETWORK"
	CodeEndpointNotAllowed     xerrors.Code = "ENDPOINT_NOT_ALLOWED"
	CodeFeeCeilingExceeded     xerrors.Code = "FEE_CEILING_EXCEEDED"
	CodeConfirmationsTooLow    xerrors.Code = "CONFIRMATIONS_TOO_LOW"
	CodeInvalidChainConfig     xerrors.Code = "INVALID_CHAIN_CONFIG"
	CodePayloadExceedsCapacity xerrors.Code = "PAYLOAD_EXCEEDS_CAPACITY"
	CodeAdapterTransient       xerrors.Code = "ADAPTER_TRANSIENT"
	CodeAdapterRejected        xerrors.Code = "ADAPTER_REJECTED"
)

func init() {
	xerrors.Register(CodeUnsupportedNetwork, xerrors.Attributes{
		Message:  "unsupported network",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEndpointNotAllowed, xerrors.Attributes{
		Message:  "endpoint not allowed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFeeCeilingExceeded, xerrors.Attributes{
		Message:  "fee ceiling exceeded",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeConfirmationsTooLow, xerrors.Attributes{
		Message:  "required confirmations below network minimum",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidChainConfig, xerrors.Attributes{
		Message:  "chain config was not produced by the validator",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePayloadExceedsCapacity, xerrors.Attributes{
		Message:  "payload exceeds adapter capacity",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAdapterTransient, xerrors.Attributes{
		Message:   "chain adapter temporarily unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeAdapterRejected, xerrors.Attributes{
		Message:  "chain rejected the commitment",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Family is the closed set of ledger models an adapter can implement.
type Family string

const (
	FamilyUTXO    Family = "utxo"
	FamilyAccount Family = "account"
)

// ChainCandidate is raw, untrusted chain configuration as supplied by a
// caller. It must pass through Validator.Validate before any adapter sees it.
type ChainCandidate struct {
	Network               string `json:"network"`
	Endpoint              string `json:"endpoint"`
	MaxFeeCeiling         uint64 `json:"max_fee_ceiling"`
	RequiredConfirmations uint64 `json:"required_confirmations,omitempty"`
}

// ChainConfig is an immutable, validated chain configuration. The zero value
// is invalid and adapters refuse it.
type ChainConfig struct {
	network       string
	family        Family
	endpoint      string
	maxFee        uint64
	confirmations uint64
	nonProduction bool
	validated     bool
}

// Valid reports whether c was produced by a Validator.
func (c ChainConfig) Valid() bool { return c.validated }

// Network is the canonical network name.
func (c ChainConfig) Network() string { return c.network }

// Family is the ledger model of the network.
func (c ChainConfig) Family() Family { return c.family }

// Endpoint is the validated RPC endpoint. It may carry credentials.
func (c ChainConfig) Endpoint() string { return c.endpoint }

// MaxFeeCeiling is the per-commit fee ceiling in the network's base unit.
func (c ChainConfig) MaxFeeCeiling() uint64 { return c.maxFee }

// RequiredConfirmations is the effective confirmation depth.
func (c ChainConfig) RequiredConfirmations() uint64 { return c.confirmations }

// NonProduction reports whether the config was accepted in a dev context.
func (c ChainConfig) NonProduction() bool { return c.nonProduction }

// Candidate converts the config back into its wire form, for re-validation on
// the far side of a queue.
func (c ChainConfig) Candidate() ChainCandidate {
	return ChainCandidate{
		Network:               c.network,
		Endpoint:              c.endpoint,
		MaxFeeCeiling:         c.maxFee,
		RequiredConfirmations: c.confirmations,
	}
}

// String hides endpoint credentials.
func (c ChainConfig) String() string {
	return fmt.Sprintf("%s(%s, confirmations=%d, max_fee=%d)", c.network, RedactEndpoint(c.endpoint), c.confirmations, c.maxFee)
}

// RedactEndpoint strips user info and query strings so endpoints can be
// logged.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host
}

// ChainReference locates a commitment on a specific network.
type ChainReference struct {
	Network string `json:"network"`
	TxID    string `json:"tx_id"`
}

// IsZero reports whether the reference is unset.
func (r ChainReference) IsZero() bool { return r.TxID == "" }

// StatusState enumerates the chain-side state of a commitment.
type StatusState string

const (
	StatusPending   StatusState = "pending"
	StatusConfirmed StatusState = "confirmed"
	StatusNotFound  StatusState = "not_found"
)

// ChainStatus is the adapter view of a commitment.
type ChainStatus struct {
	State         StatusState `json:"state"`
	Confirmations uint64      `json:"confirmations"`
}

// Pending is a seen-but-unconfirmed status.
func Pending() ChainStatus { return ChainStatus{State: StatusPending} }

// Confirmed is a status with n confirmations, n >= 1.
func Confirmed(n uint64) ChainStatus { return ChainStatus{State: StatusConfirmed, Confirmations: n} }

// NotFound is the status of a reference the chain does not know.
func NotFound() ChainStatus { return ChainStatus{State: StatusNotFound} }

// CommitRequest carries the on-chain bytes for one content hash. ContentHash
// is the lowercase hex digest and is the idempotency key together with the
// network.
type CommitRequest struct {
	ContentHash string
	Data        []byte
}

// Adapter commits opaque bytes to one network family. Implementations must be
// safe for concurrent use.
type Adapter interface {
	Family() Family
	// Capacity is the maximum number of data bytes a single commit carries.
	Capacity() int
	Commit(ctx context.Context, req CommitRequest, cfg ChainConfig) (ChainReference, error)
	QueryStatus(ctx context.Context, ref ChainReference) (ChainStatus, error)
	Close()
}

// CheckCommit applies the checks every adapter performs before touching the
// network.
func CheckCommit(a Adapter, req CommitRequest, cfg ChainConfig) error {
	if !cfg.Valid() {
		return xerrors.New(CodeInvalidChainConfig, "链配置未经过校验")
	}
	if cfg.Family() != a.Family() {
		return xerrors.New(CodeInvalidChainConfig,
			fmt.Sprintf("网络 %s 属于 %s 族，适配器为 %s", cfg.Network(), cfg.Family(), a.Family()))
	}
	if req.ContentHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少内容哈希")
	}
	if len(req.Data) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "上链数据为空")
	}
	if len(req.Data) > a.Capacity() {
		return xerrors.New(CodePayloadExceedsCapacity,
			fmt.Sprintf("上链数据 %d 字节超过适配器容量 %d", len(req.Data), a.Capacity()))
	}
	return nil
}
