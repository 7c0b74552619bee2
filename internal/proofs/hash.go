package proofs

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/sha3"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/sanitize"
)

// Algorithm identifies a hash function together with the version of the
// byte encoding it is applied to. v1 hashes the canonical JSON serialisation
// produced by the sanitizer.
type Algorithm string

const (
	AlgorithmSHA256v1    Algorithm = "sha256/v1"
	AlgorithmSHA3v1      Algorithm = "sha3-256/v1"
	AlgorithmKeccak256v1 Algorithm = "keccak256/v1"

	// DefaultAlgorithm is used when callers do not pick one.
	DefaultAlgorithm = AlgorithmSHA256v1
)

const (
	CodeUnsupportedAlgorithm xerrors.Code = "UNSUPPORTED_HASH_ALGORITHM"
	CodeInvalidHash          xerrors.Code = "INVALID_CONTENT_HASH"
)

func init() {
	xerrors.Register(CodeUnsupportedAlgorithm, xerrors.Attributes{
		Message:  "unsupported hash algorithm",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidHash, xerrors.Attributes{
		Message:  "invalid content hash",
		Severity: xerrors.SeverityInfo,
	})
}

type hasher struct {
	size          int
	multihashCode uint64
	sum           func([]byte) []byte
}

var hashers = map[Algorithm]hasher{
	AlgorithmSHA256v1: {
		size:          sha256.Size,
		multihashCode: multihash.SHA2_256,
		sum: func(b []byte) []byte {
			s := sha256.Sum256(b)
			return s[:]
		},
	},
	AlgorithmSHA3v1: {
		size:          32,
		multihashCode: multihash.SHA3_256,
		sum: func(b []byte) []byte {
			s := sha3.Sum256(b)
			return s[:]
		},
	},
	AlgorithmKeccak256v1: {
		size:          32,
		multihashCode: multihash.KECCAK_256,
		sum:           func(b []byte) []byte { return crypto.Keccak256(b) },
	},
}

// ParseAlgorithm validates an algorithm identifier. An empty string selects
// the default.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if alg == "" {
		return DefaultAlgorithm, nil
	}
	if _, ok := hashers[alg]; !ok {
		return "", xerrors.New(CodeUnsupportedAlgorithm, fmt.Sprintf("不支持的哈希算法: %s", s))
	}
	return alg, nil
}

// Size returns the digest length in bytes, or zero for unknown algorithms.
func (a Algorithm) Size() int {
	return hashers[a].size
}

// ContentHash is a digest bound to the algorithm that produced it.
type ContentHash struct {
	algorithm Algorithm
	digest    []byte
}

// Digest hashes the canonical bytes of a sanitised payload.
func Digest(p sanitize.Payload, alg Algorithm) (ContentHash, error) {
	if p.IsZero() {
		return ContentHash{}, xerrors.New(xerrors.CodeInvalidArgument, "载荷未经过清洗")
	}
	if alg == "" {
		alg = DefaultAlgorithm
	}
	def, ok := hashers[alg]
	if !ok {
		return ContentHash{}, xerrors.New(CodeUnsupportedAlgorithm, fmt.Sprintf("不支持的哈希算法: %s", alg))
	}
	return ContentHash{algorithm: alg, digest: def.sum(p.Canonical())}, nil
}

// NewContentHash wraps an existing digest, checking its length.
func NewContentHash(alg Algorithm, digest []byte) (ContentHash, error) {
	def, ok := hashers[alg]
	if !ok {
		return ContentHash{}, xerrors.New(CodeUnsupportedAlgorithm, fmt.Sprintf("不支持的哈希算法: %s", alg))
	}
	if len(digest) != def.size {
		return ContentHash{}, xerrors.New(CodeInvalidHash,
			fmt.Sprintf("%s 摘要长度应为 %d 字节，实际 %d", alg, def.size, len(digest)))
	}
	return ContentHash{algorithm: alg, digest: append([]byte(nil), digest...)}, nil
}

// ParseContentHash decodes a hex digest, with or without a 0x prefix.
func ParseContentHash(alg, hexDigest string) (ContentHash, error) {
	algorithm, err := ParseAlgorithm(alg)
	if err != nil {
		return ContentHash{}, err
	}
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hexDigest)), "0x")
	digest, err := hex.DecodeString(raw)
	if err != nil {
		return ContentHash{}, xerrors.Wrap(CodeInvalidHash, err, "内容哈希不是合法的十六进制")
	}
	return NewContentHash(algorithm, digest)
}

// Algorithm returns the versioned algorithm identifier.
func (h ContentHash) Algorithm() Algorithm { return h.algorithm }

// Bytes returns a copy of the raw digest.
func (h ContentHash) Bytes() []byte { return append([]byte(nil), h.digest...) }

// Len is the digest length in bytes.
func (h ContentHash) Len() int { return len(h.digest) }

// Hex is the lowercase hex digest without prefix.
func (h ContentHash) Hex() string { return hex.EncodeToString(h.digest) }

// IsZero reports whether the hash is unset.
func (h ContentHash) IsZero() bool { return len(h.digest) == 0 }

// String renders "<algorithm>:<hex>", the form that gets signed.
func (h ContentHash) String() string {
	return string(h.algorithm) + ":" + h.Hex()
}

// Equal compares two hashes without short-circuiting on the digest bytes.
func (h ContentHash) Equal(other ContentHash) bool {
	algOK := subtle.ConstantTimeCompare([]byte(h.algorithm), []byte(other.algorithm))
	return subtle.ConstantTimeCompare(h.digest, other.digest)&algOK == 1
}

// Multihash encodes the digest with its self-describing multihash prefix.
func (h ContentHash) Multihash() (multihash.Multihash, error) {
	def, ok := hashers[h.algorithm]
	if !ok {
		return nil, xerrors.New(CodeUnsupportedAlgorithm, fmt.Sprintf("不支持的哈希算法: %s", h.algorithm))
	}
	mh, err := multihash.Encode(h.digest, def.multihashCode)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidHash, err, "编码 multihash 失败")
	}
	return multihash.Multihash(mh), nil
}

// CID returns a CIDv1 (raw codec) addressing the canonical payload bytes.
func (h ContentHash) CID() (cid.Cid, error) {
	mh, err := h.Multihash()
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
