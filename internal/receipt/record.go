// Package receipt 管理提交记录（receipt）的生命周期：同步创建 Pending 记录，
// 异步广播与确认轮询，以及按条件推进的状态机。
package receipt

import (
	stdErrors "errors"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
)

// State 表示提交记录在生命周期中的状态。
type State string

const (
	StatePending   State = "pending"
	StateBroadcast State = "broadcast"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// IsValidState 校验状态取值。
func IsValidState(s State) bool {
	switch s {
	case StatePending, StateBroadcast, StateConfirmed, StateFailed:
		return true
	default:
		return false
	}
}

// Record 描述一条链上承诺记录。除 State 与 Confirmations 外，字段只写入一次。
type Record struct {
	ID                    string                 `json:"id"`
	ContentHash           string                 `json:"content_hash"`
	HashAlgorithm         proofs.Algorithm       `json:"hash_algorithm"`
	Tier                  tier.Tier              `json:"tier"`
	Network               string                 `json:"network"`
	ChainReference        *web3.ChainReference   `json:"chain_reference,omitempty"`
	State                 State                  `json:"state"`
	Confirmations         uint64                 `json:"confirmations"`
	RequiredConfirmations uint64                 `json:"required_confirmations"`
	LastError             string                 `json:"last_error,omitempty"`
	ErrorCode             string                 `json:"error_code,omitempty"`
	Signature             *proofs.Signature      `json:"signature,omitempty"`
	SignatureStatus       proofs.SignatureStatus `json:"signature_status"`
	CreatedAt             int64                  `json:"created_at"`
	BroadcastAt           int64                  `json:"broadcast_at,omitempty"`
	UpdatedAt             int64                  `json:"updated_at"`
}

// Hash 解析记录中的内容哈希。
func (r *Record) Hash() (proofs.ContentHash, error) {
	return proofs.ParseContentHash(string(r.HashAlgorithm), r.ContentHash)
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ChainReference != nil {
		ref := *r.ChainReference
		clone.ChainReference = &ref
	}
	if r.Signature != nil {
		sig := *r.Signature
		sig.Value = append([]byte(nil), r.Signature.Value...)
		clone.Signature = &sig
	}
	return &clone
}

const (
	CodeRecordNotFound       xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict       xerrors.Code = "RECORD_CONFLICT"
	CodeInvalidTransition    xerrors.Code = "INVALID_TRANSITION"
	CodeConfirmationDeadline xerrors.Code = "CONFIRMATION_DEADLINE"
	CodeRetriesExhausted     xerrors.Code = "BROADCAST_RETRIES_EXHAUSTED"
	CodeJobPublish           xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeInvalidJob           xerrors.Code = "INVALID_JOB"
)

var (
	// ErrRecordNotFound 表示记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "record not found")
	// ErrRecordConflict 表示记录 ID 已存在。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "record conflict")
	// ErrInvalidTransition 表示记录当前状态不允许请求的迁移。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid state transition")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:  "record conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid state transition",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeConfirmationDeadline, xerrors.Attributes{
		Message:  "confirmation deadline exceeded",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{
		Message:  "broadcast retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish broadcast job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidJob, xerrors.Attributes{
		Message:  "broadcast job malformed",
		Severity: xerrors.SeverityWarning,
	})
}

// IsNotFound 判断错误是否表示记录不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrRecordNotFound)
}

// InvalidTransition 构造状态迁移冲突错误，外部存储实现在条件更新未命中时使用。
func InvalidTransition(rec *Record, to State) error {
	return xerrors.New(CodeInvalidTransition, "记录 "+rec.ID+" 无法从 "+string(rec.State)+" 迁移到 "+string(to),
		xerrors.WithMetadata("record_id", rec.ID),
		xerrors.WithMetadata("state", string(rec.State)))
}
