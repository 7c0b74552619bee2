package proofs

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/sanitize"
)

func mustPayload(t *testing.T, v any) sanitize.Payload {
	t.Helper()
	p, err := sanitize.New(sanitize.Config{}).Sanitize(v)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	return p
}

func TestDigestIsDeterministic(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{AlgorithmSHA256v1, AlgorithmSHA3v1, AlgorithmKeccak256v1} {
		first, err := Digest(mustPayload(t, map[string]any{"actor": "demo", "score": 0.5}), alg)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		for i := 0; i < 50; i++ {
			again, err := Digest(mustPayload(t, map[string]any{"score": 0.5, "actor": "demo"}), alg)
			if err != nil {
				t.Fatal(err)
			}
			if !first.Equal(again) || first.Hex() != again.Hex() {
				t.Fatalf("%s digest changed between runs", alg)
			}
		}
		if first.Len() != alg.Size() {
			t.Fatalf("%s: unexpected digest length %d", alg, first.Len())
		}
		if first.Algorithm() != alg {
			t.Fatalf("algorithm not carried with hash")
		}
	}
}

func TestDigestMatchesKnownVector(t *testing.T) {
	t.Parallel()

	h, err := Digest(mustPayload(t, map[string]any{"actor": "demo", "score": 0.5}), "")
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.Keccak256Hash([]byte(`{"actor":"demo","score":0.5}`))
	if h.Algorithm() != DefaultAlgorithm {
		t.Fatalf("expected default algorithm, got %s", h.Algorithm())
	}
	k, err := Digest(mustPayload(t, map[string]any{"actor": "demo", "score": 0.5}), AlgorithmKeccak256v1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k.Bytes(), want.Bytes()) {
		t.Fatalf("keccak digest mismatch: %s vs %s", k.Hex(), want.Hex())
	}
	if h.Equal(k) {
		t.Fatal("hashes with different algorithms must not compare equal")
	}
}

func TestParseContentHashRoundTrip(t *testing.T) {
	t.Parallel()

	h, err := Digest(mustPayload(t, "x"), AlgorithmSHA3v1)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseContentHash(string(AlgorithmSHA3v1), "0x"+strings.ToUpper(h.Hex()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(h) {
		t.Fatal("parsed hash differs")
	}
	if _, err := ParseContentHash("md5/v1", h.Hex()); xerrors.CodeOf(err) != CodeUnsupportedAlgorithm {
		t.Fatalf("expected unsupported algorithm, got %v", err)
	}
	if _, err := ParseContentHash("", h.Hex()[:10]); xerrors.CodeOf(err) != CodeInvalidHash {
		t.Fatalf("expected invalid hash length, got %v", err)
	}
}

func TestMultihashAndCIDCarryAlgorithm(t *testing.T) {
	t.Parallel()

	h, err := Digest(mustPayload(t, "x"), AlgorithmSHA256v1)
	if err != nil {
		t.Fatal(err)
	}
	mh, err := h.Multihash()
	if err != nil {
		t.Fatal(err)
	}
	if len(mh) != h.Len()+2 {
		t.Fatalf("unexpected multihash length %d", len(mh))
	}
	c, err := h.CID()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c.Hash(), mh) {
		t.Fatal("CID must wrap the multihash")
	}
}

func TestSignWithoutSignerIsExplicitlyUnsigned(t *testing.T) {
	t.Parallel()

	h, _ := Digest(mustPayload(t, "x"), "")
	sig, status, err := Sign(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sig != nil || status != StatusUnsigned {
		t.Fatalf("expected unsigned without signature, got %v %s", sig, status)
	}
}

func TestSignersRoundTrip(t *testing.T) {
	t.Parallel()

	seed := strings.Repeat("ab", 32)
	ethKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	ethHex := hex.EncodeToString(crypto.FromECDSA(ethKey))

	cases := []struct {
		alg string
		key string
	}{
		{SignatureEd25519, seed},
		{SignatureSecp256k1, ethHex},
		{SignatureDilithium3, seed},
	}

	h, _ := Digest(mustPayload(t, map[string]any{"actor": "demo"}), "")
	other, _ := Digest(mustPayload(t, map[string]any{"actor": "other"}), "")

	for _, tc := range cases {
		signer, err := NewSigner(tc.alg, tc.key, "key-1")
		if err != nil {
			t.Fatalf("%s: new signer: %v", tc.alg, err)
		}
		sig, status, err := Sign(h, signer)
		if err != nil {
			t.Fatalf("%s: sign: %v", tc.alg, err)
		}
		if status != StatusSigned || sig.KeyID != "key-1" || sig.Algorithm != tc.alg {
			t.Fatalf("%s: unexpected signature metadata %+v", tc.alg, sig)
		}
		if err := VerifySignature(h, *sig, signer.PublicKey()); err != nil {
			t.Fatalf("%s: verify: %v", tc.alg, err)
		}
		if err := VerifySignature(other, *sig, signer.PublicKey()); xerrors.CodeOf(err) != CodeSignatureInvalid {
			t.Fatalf("%s: expected mismatch for other hash, got %v", tc.alg, err)
		}
	}
}

func TestNewSignerRejectsBadMaterial(t *testing.T) {
	t.Parallel()

	if s, err := NewSigner("", "", ""); s != nil || err != nil {
		t.Fatal("empty algorithm disables signing")
	}
	if _, err := NewSigner(SignatureEd25519, "", "k"); xerrors.CodeOf(err) != CodeSignerConfig {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSigner("rsa", "00", "k"); xerrors.CodeOf(err) != CodeSignerConfig {
		t.Fatalf("expected unsupported algorithm error, got %v", err)
	}
}
