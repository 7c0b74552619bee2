package proofs

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ProofChain/internal/errors"
)

// SignatureStatus records whether a commitment carries a signature.
type SignatureStatus string

const (
	StatusSigned   SignatureStatus = "signed"
	StatusUnsigned SignatureStatus = "unsigned"
)

const (
	SignatureEd25519    = "ed25519"
	SignatureSecp256k1  = "secp256k1"
	SignatureDilithium3 = "dilithium3"
)

const (
	CodeSignatureInvalid xerrors.Code = "SIGNATURE_INVALID"
	CodeSignerConfig     xerrors.Code = "SIGNER_CONFIG_INVALID"
)

func init() {
	xerrors.Register(CodeSignatureInvalid, xerrors.Attributes{
		Message:  "signature verification failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSignerConfig, xerrors.Attributes{
		Message:  "signer configuration invalid",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Signature is a detached signature over ContentHash.String().
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id,omitempty"`
	Value     []byte `json:"value"`
}

// Signer produces signatures over content hashes.
type Signer interface {
	Algorithm() string
	KeyID() string
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// Sign signs h when a signer is configured. A nil signer yields an explicit
// unsigned status and no signature.
func Sign(h ContentHash, signer Signer) (*Signature, SignatureStatus, error) {
	if signer == nil {
		return nil, StatusUnsigned, nil
	}
	if h.IsZero() {
		return nil, StatusUnsigned, xerrors.New(xerrors.CodeInvalidArgument, "不能对空哈希签名")
	}
	value, err := signer.Sign([]byte(h.String()))
	if err != nil {
		return nil, StatusUnsigned, xerrors.Wrap(CodeSignerConfig, err, "签名内容哈希失败")
	}
	return &Signature{Algorithm: signer.Algorithm(), KeyID: signer.KeyID(), Value: value}, StatusSigned, nil
}

// VerifySignature checks sig against h using the signer's public key.
func VerifySignature(h ContentHash, sig Signature, publicKey []byte) error {
	message := []byte(h.String())
	var ok bool
	switch sig.Algorithm {
	case SignatureEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return xerrors.New(CodeSignatureInvalid, "ed25519 公钥长度非法")
		}
		ok = ed25519.Verify(ed25519.PublicKey(publicKey), message, sig.Value)
	case SignatureSecp256k1:
		if len(sig.Value) != crypto.SignatureLength {
			return xerrors.New(CodeSignatureInvalid, "secp256k1 签名长度非法")
		}
		ok = crypto.VerifySignature(publicKey, crypto.Keccak256(message), sig.Value[:crypto.RecoveryIDOffset])
	case SignatureDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(publicKey); err != nil {
			return xerrors.Wrap(CodeSignatureInvalid, err, "dilithium3 公钥非法")
		}
		ok = mode3.Verify(&pk, message, sig.Value)
	default:
		return xerrors.New(CodeSignatureInvalid, fmt.Sprintf("不支持的签名算法: %s", sig.Algorithm))
	}
	if !ok {
		return xerrors.New(CodeSignatureInvalid, "签名与内容哈希不匹配")
	}
	return nil
}

// NewSigner builds a signer from hex key material. An empty algorithm means
// signing is disabled and returns (nil, nil).
func NewSigner(algorithm, keyHex, keyID string) (Signer, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		return nil, nil
	}
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(CodeSignerConfig, fmt.Sprintf("签名算法 %s 缺少密钥", algorithm))
	}
	switch algorithm {
	case SignatureEd25519:
		seed, err := hex.DecodeString(keyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, xerrors.New(CodeSignerConfig, "ed25519 种子必须是 32 字节十六进制")
		}
		return NewEd25519Signer(ed25519.NewKeyFromSeed(seed), keyID), nil
	case SignatureSecp256k1:
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, xerrors.Wrap(CodeSignerConfig, err, "secp256k1 私钥非法")
		}
		return NewSecp256k1Signer(key, keyID), nil
	case SignatureDilithium3:
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != mode3.SeedSize {
			return nil, xerrors.New(CodeSignerConfig, "dilithium3 种子必须是 32 字节十六进制")
		}
		var seed [mode3.SeedSize]byte
		copy(seed[:], raw)
		pk, sk := mode3.NewKeyFromSeed(&seed)
		return &Dilithium3Signer{keyID: keyID, public: pk, private: sk}, nil
	default:
		return nil, xerrors.New(CodeSignerConfig, fmt.Sprintf("不支持的签名算法: %s", algorithm))
	}
}

// Ed25519Signer signs with an ed25519 private key.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer wraps key.
func NewEd25519Signer(key ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, key: key}
}

func (s *Ed25519Signer) Algorithm() string { return SignatureEd25519 }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

func (s *Ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.key.Public().(ed25519.PublicKey)...)
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// Secp256k1Signer signs keccak256(message) with an Ethereum-style key.
type Secp256k1Signer struct {
	keyID string
	key   *ecdsa.PrivateKey
}

// NewSecp256k1Signer wraps key.
func NewSecp256k1Signer(key *ecdsa.PrivateKey, keyID string) *Secp256k1Signer {
	return &Secp256k1Signer{keyID: keyID, key: key}
}

func (s *Secp256k1Signer) Algorithm() string { return SignatureSecp256k1 }
func (s *Secp256k1Signer) KeyID() string     { return s.keyID }

func (s *Secp256k1Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

func (s *Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(message), s.key)
}

// Dilithium3Signer produces post-quantum signatures.
type Dilithium3Signer struct {
	keyID   string
	public  *mode3.PublicKey
	private *mode3.PrivateKey
}

func (s *Dilithium3Signer) Algorithm() string { return SignatureDilithium3 }
func (s *Dilithium3Signer) KeyID() string     { return s.keyID }

func (s *Dilithium3Signer) PublicKey() []byte {
	return s.public.Bytes()
}

func (s *Dilithium3Signer) Sign(message []byte) ([]byte, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.private, message, sig)
	return sig, nil
}
