package receipt

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
)

func TestOpenSubmissionIsConfirmedAfterPolling(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	ctx := context.Background()

	rec, err := e.manager.Submit(ctx, Submission{
		Payload: map[string]any{"actor": "demo", "score": 0.5},
		Tier:    tier.Open,
		Chain:   devChain(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.State != StatePending || len(rec.ContentHash) != 64 || rec.ChainReference != nil {
		t.Fatalf("unexpected fresh record %+v", rec)
	}
	if rec.HashAlgorithm != proofs.DefaultAlgorithm || rec.SignatureStatus != proofs.StatusUnsigned || rec.Signature != nil {
		t.Fatalf("unexpected hash/signature fields %+v", rec)
	}
	if e.chain.commits.Load() != 0 {
		t.Fatal("submit must not touch the chain")
	}

	e.drain(t)
	broadcast := e.get(t, rec.ID)
	if broadcast.State != StateBroadcast || broadcast.ChainReference == nil || broadcast.BroadcastAt == 0 {
		t.Fatalf("expected broadcast record, got %+v", broadcast)
	}
	envelope, err := tier.ParseEnvelope(e.chain.receivedData()[0])
	if err != nil {
		t.Fatalf("open tier should commit an envelope: %v", err)
	}
	if envelope.Hash != rec.ContentHash {
		t.Fatalf("envelope hash %s != record hash %s", envelope.Hash, rec.ContentHash)
	}

	if err := e.poller.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := e.get(t, rec.ID); got.State != StateBroadcast {
		t.Fatalf("unconfirmed tx must stay broadcast, got %s", got.State)
	}

	e.chain.confirm(broadcast.ChainReference.TxID, 1)
	if err := e.poller.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	confirmed, err := e.manager.WaitUntilSettled(ctx, rec.ID, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.State != StateConfirmed || confirmed.Confirmations != 1 || *confirmed.ChainReference != *broadcast.ChainReference {
		t.Fatalf("unexpected confirmed record %+v", confirmed)
	}
	if confirmed.ContentHash != rec.ContentHash {
		t.Fatal("content hash must never change")
	}
}

func TestSealedResubmissionReusesChainReference(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	ctx := context.Background()
	payload := map[string]any{"actor": "demo", "score": 0.5, "notes": "classified"}

	first, err := e.manager.Submit(ctx, Submission{Payload: payload, Tier: tier.Sealed, Chain: devChain()})
	if err != nil {
		t.Fatal(err)
	}
	e.drain(t)
	second, err := e.manager.Submit(ctx, Submission{Payload: payload, Tier: tier.Sealed, Chain: devChain()})
	if err != nil {
		t.Fatal(err)
	}
	e.drain(t)

	a, b := e.get(t, first.ID), e.get(t, second.ID)
	if a.ID == b.ID {
		t.Fatal("resubmission creates a fresh record")
	}
	if a.ChainReference == nil || b.ChainReference == nil || *a.ChainReference != *b.ChainReference {
		t.Fatalf("expected the same reference, got %+v and %+v", a.ChainReference, b.ChainReference)
	}
	if e.chain.broadcasts.Load() != 1 {
		t.Fatalf("expected a single broadcast, got %d", e.chain.broadcasts.Load())
	}

	digest, _ := hex.DecodeString(a.ContentHash)
	for i, data := range e.chain.receivedData() {
		if !bytes.Equal(data, digest) {
			t.Fatalf("commit %d carried %x, want exactly the digest", i, data)
		}
		if bytes.Contains(data, []byte("classified")) {
			t.Fatal("payload leaked on the sealed path")
		}
	}
}

func TestDeepPayloadFailsBeforeHashing(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	var payload any = "leaf"
	for i := 0; i < 11; i++ {
		payload = map[string]any{"n": payload}
	}
	rec, err := e.manager.Submit(context.Background(), Submission{Payload: payload, Tier: tier.Open, Chain: devChain()})
	if xerrors.CodeOf(err) != sanitize.CodeDepthExceeded {
		t.Fatalf("expected DEPTH_EXCEEDED, got %v", err)
	}
	if rec != nil {
		t.Fatal("no record may be created for rejected input")
	}
	stats, _ := e.manager.Stats(context.Background())
	if stats.Total != 0 || e.queue.Len() != 0 {
		t.Fatalf("nothing should be stored or queued: %+v", stats)
	}
}

func TestRejectedEndpointFailsRecordWithoutAdapterCalls(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	production, err := web3.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	e.manager.validator = production

	rec, err := e.manager.Submit(context.Background(), Submission{
		Payload: map[string]any{"actor": "demo"},
		Tier:    tier.Open,
		Chain:   web3.ChainCandidate{Network: "ethereum", Endpoint: "https://rpc.attacker.example", MaxFeeCeiling: 1},
	})
	if xerrors.CodeOf(err) != web3.CodeEndpointNotAllowed {
		t.Fatalf("expected ENDPOINT_NOT_ALLOWED, got %v", err)
	}
	if rec == nil || rec.State != StateFailed || rec.ErrorCode != string(web3.CodeEndpointNotAllowed) {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	if e.queue.Len() != 0 || e.factoryHits.Load() != 0 || e.chain.commits.Load() != 0 {
		t.Fatal("no adapter may be touched for a rejected config")
	}
}

func TestSubmitRejectsUnknownTier(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	_, err := e.manager.Submit(context.Background(), Submission{Payload: map[string]any{}, Tier: "secret", Chain: devChain()})
	if xerrors.CodeOf(err) != tier.CodeInvalidTier {
		t.Fatalf("expected INVALID_TIER, got %v", err)
	}
}

func TestSubmitSignsWhenSignerConfigured(t *testing.T) {
	t.Parallel()

	signer, err := proofs.NewSigner(proofs.SignatureEd25519, strings.Repeat("07", 32), "ops-1")
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, 32<<10, WithSigner(signer))
	rec, err := e.manager.Submit(context.Background(), Submission{Payload: map[string]any{"a": 1}, Tier: tier.Open, Chain: devChain()})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SignatureStatus != proofs.StatusSigned || rec.Signature == nil || rec.Signature.KeyID != "ops-1" {
		t.Fatalf("expected signed record, got %+v", rec)
	}
	h, err := rec.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if err := proofs.VerifySignature(h, *rec.Signature, signer.PublicKey()); err != nil {
		t.Fatalf("signature must verify: %v", err)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, Job) error { return errors.New("broker down") }
func (failingProducer) Close() error                       { return nil }

func TestPublishFailureMarksRecordFailed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.manager.producer = failingProducer{}
	rec, err := e.manager.Submit(context.Background(), Submission{Payload: map[string]any{"a": 1}, Tier: tier.Open, Chain: devChain()})
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected JOB_PUBLISH_FAILED, got %v", err)
	}
	if rec == nil || rec.State != StateFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	if codes := e.alerts.codes(); len(codes) != 1 || codes[0] != CodeJobPublish {
		t.Fatalf("expected one publish alert, got %v", codes)
	}
}

func TestSubmitFailsFastWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.manager.producer = NewMemoryQueue(2)
	for i := 0; i < 2; i++ {
		if _, err := e.manager.Submit(context.Background(), Submission{Payload: map[string]any{"i": i}, Tier: tier.Sealed, Chain: devChain()}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	type outcome struct {
		rec *Record
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		rec, err := e.manager.Submit(context.Background(), Submission{Payload: map[string]any{"i": 2}, Tier: tier.Sealed, Chain: devChain()})
		done <- outcome{rec, err}
	}()
	select {
	case got := <-done:
		if xerrors.CodeOf(got.err) != CodeJobPublish || !xerrors.RetryableError(got.err) {
			t.Fatalf("expected retryable JOB_PUBLISH_FAILED, got %v", got.err)
		}
		if got.rec == nil || got.rec.State != StateFailed {
			t.Fatalf("expected failed record, got %+v", got.rec)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("submit against a full queue took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked on a full queue")
	}
}

func TestListAndFindByHash(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.manager.Submit(ctx, Submission{Payload: map[string]any{"i": i}, Tier: tier.Open, Chain: devChain()}); err != nil {
			t.Fatal(err)
		}
	}
	sealed, err := e.manager.Submit(ctx, Submission{Payload: map[string]any{"i": 0}, Tier: tier.Sealed, Chain: devChain()})
	if err != nil {
		t.Fatal(err)
	}

	all, err := e.manager.List(ctx)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 records, got %d %v", len(all), err)
	}
	open, _ := e.manager.List(ctx, WithTier(tier.Open), WithLimit(2))
	if len(open) != 2 {
		t.Fatalf("expected page of 2 open records, got %d", len(open))
	}
	same, err := e.manager.FindByHash(ctx, "0x"+strings.ToUpper(sealed.ContentHash))
	if err != nil || len(same) != 2 {
		t.Fatalf("identical payloads share a hash across tiers, got %d %v", len(same), err)
	}
	stats, _ := e.manager.Stats(ctx, WithNetwork(testNetwork))
	if stats.Total != 4 || stats.Pending != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
