package tier

import (
	"bytes"
	"strings"
	"testing"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/web3"
)

func fixture(t *testing.T) (sanitize.Payload, proofs.ContentHash) {
	t.Helper()
	p, err := sanitize.New(sanitize.Config{}).Sanitize(map[string]any{
		"subject": "wallet-cluster-17",
		"notes":   "linked to <redacted> exchange",
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	h, err := proofs.Digest(p, proofs.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return p, h
}

func testKeys(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := ParseKeyRing(map[string]string{"k1": strings.Repeat("11", 32)}, "")
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}
	return ring
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"open", " Restricted ", "SEALED"} {
		if _, err := Parse(s); err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
	}
	if _, err := Parse("secret"); xerrors.CodeOf(err) != CodeInvalidTier {
		t.Fatalf("expected INVALID_TIER, got %v", err)
	}
}

func TestSealedExposesExactlyTheDigest(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	op, err := NewPolicy(nil).ApplyExposure(payload, Sealed, h, Metadata{"source": "case-42"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !op.HashOnly || !bytes.Equal(op.Data, h.Bytes()) || len(op.Data) != h.Len() {
		t.Fatalf("sealed data must equal the digest, got %x", op.Data)
	}
}

func TestPreflightRejectsAnythingButTheDigest(t *testing.T) {
	t.Parallel()

	_, h := fixture(t)
	digest := h.Bytes()
	flipped := h.Bytes()
	flipped[0] ^= 0xff

	cases := [][]byte{
		nil,
		digest[:len(digest)-1],
		append(h.Bytes(), 0x00),
		flipped,
		[]byte(`{"v":1}`),
	}
	for i, data := range cases {
		err := Preflight(Sealed, h, data)
		if xerrors.CodeOf(err) != CodeSealedViolation {
			t.Fatalf("case %d: expected SEALED_TIER_VIOLATION, got %v", i, err)
		}
		if !xerrors.ShouldAlert(err) || xerrors.SeverityOf(err) != xerrors.SeverityCritical {
			t.Fatalf("case %d: sealed violations must alert as critical", i)
		}
	}
	if err := Preflight(Sealed, h, digest); err != nil {
		t.Fatalf("digest must pass: %v", err)
	}
	if err := Preflight(Open, h, []byte("anything")); err != nil {
		t.Fatalf("open tier has no preflight: %v", err)
	}
}

func TestOpenEnvelopeCarriesPayload(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	op, err := NewPolicy(nil).ApplyExposure(payload, Open, h, Metadata{"source": "case-42"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	env, err := ParseEnvelope(op.Data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Hash != h.Hex() || env.Algorithm != string(h.Algorithm()) {
		t.Fatalf("envelope lost hash binding: %+v", env)
	}
	if !bytes.Equal(env.Payload, payload.Canonical()) {
		t.Fatalf("payload mismatch: %s", env.Payload)
	}
	if env.CID == "" || env.Meta["source"] != "case-42" {
		t.Fatalf("missing cid or metadata: %+v", env)
	}
}

func TestOpenEnvelopeEscapesMetadata(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	policy := NewPolicy(nil)
	op, err := policy.ApplyExposure(payload, Open, h, Metadata{"<k>": "<script>alert(1)</script>"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if bytes.Contains(op.Data, []byte("<script>")) || bytes.Contains(op.Data, []byte("<k>")) {
		t.Fatalf("open envelope carries markup: %s", op.Data)
	}
	env, err := ParseEnvelope(op.Data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := env.Meta["&lt;k&gt;"]; got != "&lt;script&gt;alert(1)&lt;/script&gt;" {
		t.Fatalf("metadata not escaped: %+v", env.Meta)
	}

	_, err = policy.ApplyExposure(payload, Open, h, Metadata{"a<": "1", "a&lt;": "2"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("colliding keys: want INVALID_ARGUMENT, got %v", err)
	}
}

func TestRestrictedEnvelopeHidesPayloadAndMetadata(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	policy := NewPolicy(testKeys(t))
	op, err := policy.ApplyExposure(payload, Restricted, h, Metadata{"source": "case-42"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, leak := range []string{"wallet-cluster-17", "case-42", "subject"} {
		if bytes.Contains(op.Data, []byte(leak)) {
			t.Fatalf("restricted envelope leaks %q: %s", leak, op.Data)
		}
	}
	if !bytes.Contains(op.Data, []byte(h.Hex())) {
		t.Fatal("restricted envelope must carry the hash")
	}

	meta, err := policy.DecryptMetadata(op.Data)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if meta["source"] != "case-42" {
		t.Fatalf("unexpected metadata %v", meta)
	}

	env, _ := ParseEnvelope(op.Data)
	env.Hash = strings.Repeat("0", len(env.Hash))
	tampered, _ := encodeEnvelope(env)
	if _, err := policy.DecryptMetadata(tampered); xerrors.CodeOf(err) != CodeEnvelopeUnreadable {
		t.Fatalf("metadata must be bound to its hash, got %v", err)
	}

	if _, err := NewPolicy(nil).DecryptMetadata(op.Data); xerrors.CodeOf(err) != CodeKeyMissing {
		t.Fatalf("expected TIER_KEY_MISSING without key, got %v", err)
	}
}

func TestRestrictedWithoutKeyFails(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	_, err := NewPolicy(NewKeyRing()).ApplyExposure(payload, Restricted, h, nil)
	if xerrors.CodeOf(err) != CodeKeyMissing {
		t.Fatalf("expected TIER_KEY_MISSING, got %v", err)
	}
}

func TestFitToCapacityCollapsesToHash(t *testing.T) {
	t.Parallel()

	payload, h := fixture(t)
	op, err := NewPolicy(nil).ApplyExposure(payload, Open, h, nil)
	if err != nil {
		t.Fatal(err)
	}

	fitted, err := FitToCapacity(op, h, 80)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if !fitted.HashOnly || !bytes.Equal(fitted.Data, h.Bytes()) || fitted.Tier != Open {
		t.Fatalf("expected hash-only collapse, got %+v", fitted)
	}

	same, err := FitToCapacity(op, h, 1<<15)
	if err != nil || !bytes.Equal(same.Data, op.Data) || same.HashOnly {
		t.Fatal("envelope within capacity must be unchanged")
	}

	if _, err := FitToCapacity(op, h, 16); xerrors.CodeOf(err) != web3.CodePayloadExceedsCapacity {
		t.Fatalf("expected PAYLOAD_EXCEEDS_CAPACITY, got %v", err)
	}
}

func TestKeyRingValidation(t *testing.T) {
	t.Parallel()

	if _, err := ParseKeyRing(map[string]string{"k": "abcd"}, ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("short key must fail, got %v", err)
	}
	if _, err := ParseKeyRing(map[string]string{"k": strings.Repeat("22", 32)}, "other"); xerrors.CodeOf(err) != CodeKeyMissing {
		t.Fatalf("activating unknown key must fail, got %v", err)
	}
	ring, err := ParseKeyRing(map[string]string{"a": strings.Repeat("22", 32), "b": strings.Repeat("33", 32)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := ring.Active(); ok {
		t.Fatal("ambiguous rings must not pick an active key")
	}
}
