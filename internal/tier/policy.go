package tier

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/web3"
)

// EnvelopeVersion is the current on-chain envelope format.
const EnvelopeVersion = 1

// Metadata is source metadata attached to a submission. It is published in
// clear for Open commitments and encrypted for Restricted ones.
type Metadata map[string]string

// OnChainPayload is the exact byte sequence handed to an adapter.
type OnChainPayload struct {
	Tier Tier
	Data []byte
	// HashOnly is set when the bytes are the bare digest, either because the
	// tier is Sealed or because the envelope did not fit the adapter.
	HashOnly bool
}

// Envelope is the JSON document committed for Open and Restricted tiers.
type Envelope struct {
	Version   int             `json:"v"`
	Algorithm string          `json:"alg"`
	Hash      string          `json:"hash"`
	CID       string          `json:"cid,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      Metadata        `json:"meta,omitempty"`
	KeyID     string          `json:"kid,omitempty"`
	Nonce     []byte          `json:"nonce,omitempty"`
	Sealed    []byte          `json:"sealed,omitempty"`
}

// Policy applies tier exposure rules.
type Policy struct {
	keys *KeyRing
	rand io.Reader
}

// NewPolicy constructs a policy. keys may be nil when no Restricted
// submissions are expected; they then fail with TIER_KEY_MISSING.
func NewPolicy(keys *KeyRing) *Policy {
	return &Policy{keys: keys, rand: rand.Reader}
}

// ApplyExposure builds the on-chain bytes for payload under tier t.
func (p *Policy) ApplyExposure(payload sanitize.Payload, t Tier, h proofs.ContentHash, meta Metadata) (OnChainPayload, error) {
	if h.IsZero() {
		return OnChainPayload{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少内容哈希")
	}

	var op OnChainPayload
	switch t {
	case Open:
		data, err := p.openEnvelope(payload, h, meta)
		if err != nil {
			return OnChainPayload{}, err
		}
		op = OnChainPayload{Tier: Open, Data: data}
	case Restricted:
		data, err := p.restrictedEnvelope(h, meta)
		if err != nil {
			return OnChainPayload{}, err
		}
		op = OnChainPayload{Tier: Restricted, Data: data}
	case Sealed:
		op = OnChainPayload{Tier: Sealed, Data: h.Bytes(), HashOnly: true}
	default:
		return OnChainPayload{}, xerrors.New(CodeInvalidTier, fmt.Sprintf("未知的数据等级: %q", t))
	}

	if err := Preflight(op.Tier, h, op.Data); err != nil {
		return OnChainPayload{}, err
	}
	return op, nil
}

// Preflight aborts when a Sealed commitment's bytes are anything other than
// the digest. It is called both when exposure is computed and right before an
// adapter is invoked.
func Preflight(t Tier, h proofs.ContentHash, data []byte) error {
	if t != Sealed {
		return nil
	}
	digest := h.Bytes()
	if len(data) != len(digest) || subtle.ConstantTimeCompare(data, digest) != 1 {
		return xerrors.New(CodeSealedViolation,
			fmt.Sprintf("sealed 级别上链数据必须恰为 %d 字节摘要，实际 %d 字节", len(digest), len(data)),
			xerrors.WithMetadata("content_hash", h.Hex()))
	}
	return nil
}

// FitToCapacity collapses op to the bare digest when it exceeds capacity.
// Envelopes are never truncated.
func FitToCapacity(op OnChainPayload, h proofs.ContentHash, capacity int) (OnChainPayload, error) {
	if len(op.Data) <= capacity {
		return op, nil
	}
	if h.Len() > capacity {
		return OnChainPayload{}, xerrors.New(web3.CodePayloadExceedsCapacity,
			fmt.Sprintf("摘要 %d 字节超过适配器容量 %d", h.Len(), capacity))
	}
	return OnChainPayload{Tier: op.Tier, Data: h.Bytes(), HashOnly: true}, nil
}

// ParseEnvelope decodes on-chain bytes produced for Open or Restricted tiers.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, xerrors.Wrap(CodeEnvelopeUnreadable, err, "解析上链信封失败")
	}
	if env.Version != EnvelopeVersion {
		return Envelope{}, xerrors.New(CodeEnvelopeUnreadable, fmt.Sprintf("不支持的信封版本 %d", env.Version))
	}
	return env, nil
}

// DecryptMetadata opens the sealed metadata of a Restricted envelope. Only
// holders of the tier key can call it successfully.
func (p *Policy) DecryptMetadata(data []byte) (Metadata, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.KeyID == "" || len(env.Sealed) == 0 {
		return nil, xerrors.New(CodeEnvelopeUnreadable, "信封不包含加密元数据")
	}
	key, ok := p.keys.Key(env.KeyID)
	if !ok {
		return nil, xerrors.New(CodeKeyMissing, fmt.Sprintf("缺少密钥 %s", env.KeyID))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyMissing, err, "初始化 AEAD 失败")
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, xerrors.New(CodeEnvelopeUnreadable, "nonce 长度非法")
	}
	plain, err := aead.Open(nil, env.Nonce, env.Sealed, additionalData(env.Algorithm, env.Hash))
	if err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeUnreadable, err, "解密元数据失败")
	}
	meta := Metadata{}
	if err := json.Unmarshal(plain, &meta); err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeUnreadable, err, "解析元数据失败")
	}
	return meta, nil
}

func (p *Policy) openEnvelope(payload sanitize.Payload, h proofs.ContentHash, meta Metadata) ([]byte, error) {
	if payload.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "open 级别需要已清洗的载荷")
	}
	escaped, err := escapeMetadata(meta)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Version:   EnvelopeVersion,
		Algorithm: string(h.Algorithm()),
		Hash:      h.Hex(),
		Payload:   payload.Canonical(),
		Meta:      escaped,
	}
	if c, err := h.CID(); err == nil {
		env.CID = c.String()
	}
	return encodeEnvelope(env)
}

// escapeMetadata applies the payload escaping to metadata published in clear.
// Two keys that escape to the same string are refused rather than merged.
func escapeMetadata(meta Metadata) (Metadata, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out := make(Metadata, len(meta))
	for k, v := range meta {
		key := sanitize.EscapeString(k)
		if _, dup := out[key]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "元数据键转义后重复",
				xerrors.WithMetadata("key", key))
		}
		out[key] = sanitize.EscapeString(v)
	}
	return out, nil
}

func (p *Policy) restrictedEnvelope(h proofs.ContentHash, meta Metadata) ([]byte, error) {
	keyID, key, ok := p.keys.Active()
	if !ok {
		return nil, xerrors.New(CodeKeyMissing, "restricted 级别未配置加密密钥")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyMissing, err, "初始化 AEAD 失败")
	}
	if meta == nil {
		meta = Metadata{}
	}
	plain, err := json.Marshal(meta)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化元数据失败")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成 nonce 失败")
	}
	alg := string(h.Algorithm())
	return encodeEnvelope(Envelope{
		Version:   EnvelopeVersion,
		Algorithm: alg,
		Hash:      h.Hex(),
		KeyID:     keyID,
		Nonce:     nonce,
		Sealed:    aead.Seal(nil, nonce, plain, additionalData(alg, h.Hex())),
	})
}

// additionalData binds sealed metadata to the commitment it travels with.
func additionalData(alg, hashHex string) []byte {
	return []byte(alg + ":" + hashHex)
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码上链信封失败")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
