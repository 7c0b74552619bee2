package receipt

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/tier"
	"ProofChain/internal/web3"
)

func submitOpen(t *testing.T, e *env, payload map[string]any) *Record {
	t.Helper()
	rec, err := e.manager.Submit(context.Background(), Submission{Payload: payload, Tier: tier.Open, Chain: devChain()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return rec
}

func nextJob(t *testing.T, e *env) Job {
	t.Helper()
	if e.queue.Len() == 0 {
		t.Fatal("expected a queued job")
	}
	job, err := DecodeJob(<-e.queue.ch)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func transient() error {
	return xerrors.New(web3.CodeAdapterTransient, "rpc timeout")
}

func TestBroadcasterRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.chain.failNext(transient(), transient())
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	e.drain(t)

	got := e.get(t, rec.ID)
	if got.State != StateBroadcast {
		t.Fatalf("expected broadcast after retries, got %+v", got)
	}
	if e.chain.commits.Load() != 3 || e.chain.broadcasts.Load() != 1 {
		t.Fatalf("expected 3 attempts and 1 broadcast, got %d/%d", e.chain.commits.Load(), e.chain.broadcasts.Load())
	}
	if len(e.alerts.codes()) != 0 {
		t.Fatalf("recovered retries must not alert: %v", e.alerts.codes())
	}
}

func TestBroadcasterExhaustedRetriesFailRecord(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.chain.failNext(transient(), transient(), transient())
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	e.drain(t)

	got := e.get(t, rec.ID)
	if got.State != StateFailed || got.ErrorCode != string(CodeRetriesExhausted) || got.ChainReference != nil {
		t.Fatalf("expected exhausted failure, got %+v", got)
	}
	if e.chain.commits.Load() != 3 {
		t.Fatalf("expected exactly MaxAttempts commits, got %d", e.chain.commits.Load())
	}
	if codes := e.alerts.codes(); len(codes) != 1 || codes[0] != CodeRetriesExhausted {
		t.Fatalf("expected exhaustion alert, got %v", codes)
	}
}

func TestBroadcasterRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.chain.failNext(xerrors.New(web3.CodeAdapterRejected, "nonce too low"))
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	e.drain(t)

	got := e.get(t, rec.ID)
	if got.State != StateFailed || got.ErrorCode != string(web3.CodeAdapterRejected) {
		t.Fatalf("expected rejected failure, got %+v", got)
	}
	if e.chain.commits.Load() != 1 {
		t.Fatalf("rejections must not be retried, got %d commits", e.chain.commits.Load())
	}
	if codes := e.alerts.codes(); len(codes) != 1 || codes[0] != web3.CodeAdapterRejected {
		t.Fatalf("expected rejection alert, got %v", codes)
	}
}

func TestBroadcasterBlocksTamperedSealedJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	rec, err := e.manager.Submit(context.Background(), Submission{
		Payload: map[string]any{"secret": "s3cr3t"},
		Tier:    tier.Sealed,
		Chain:   devChain(),
	})
	if err != nil {
		t.Fatal(err)
	}
	job := nextJob(t, e)
	job.Data = append(job.Data, []byte(`{"secret":"s3cr3t"}`)...)
	if err := e.broadcaster.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := e.get(t, rec.ID)
	if got.State != StateFailed || got.ErrorCode != string(tier.CodeSealedViolation) {
		t.Fatalf("expected sealed violation, got %+v", got)
	}
	if e.chain.commits.Load() != 0 {
		t.Fatal("adapter must never see a tampered sealed payload")
	}
	if codes := e.alerts.codes(); len(codes) != 1 || codes[0] != tier.CodeSealedViolation {
		t.Fatalf("expected critical alert, got %v", codes)
	}
}

func TestBroadcasterCollapsesEnvelopeToDigest(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 80)
	rec := submitOpen(t, e, map[string]any{"actor": "demo", "notes": "a fairly long note that cannot fit"})
	e.drain(t)

	if got := e.get(t, rec.ID); got.State != StateBroadcast {
		t.Fatalf("expected broadcast, got %+v", got)
	}
	digest, _ := hex.DecodeString(rec.ContentHash)
	data := e.chain.receivedData()
	if len(data) != 1 || !bytes.Equal(data[0], digest) {
		t.Fatalf("oversized envelope should collapse to the digest, got %x", data)
	}
}

func TestBroadcasterSkipsSettledRecords(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	job := nextJob(t, e)
	if err := e.broadcaster.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	// redelivery of the same job
	if err := e.broadcaster.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if e.chain.commits.Load() != 1 {
		t.Fatalf("redelivered job must be skipped, got %d commits", e.chain.commits.Load())
	}
	if got := e.get(t, rec.ID); got.State != StateBroadcast {
		t.Fatalf("unexpected state %s", got.State)
	}

	if err := e.broadcaster.Handle(context.Background(), Job{RecordID: "missing", Tier: tier.Open, Chain: devChain()}); err != nil {
		t.Fatalf("unknown record should be dropped, got %v", err)
	}
}

func TestBroadcasterLeavesRecordPendingOnShutdown(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	e.chain.failNext(transient(), transient(), transient())
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	job := nextJob(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.broadcaster.Handle(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled so the job is requeued, got %v", err)
	}
	if got := e.get(t, rec.ID); got.State != StatePending {
		t.Fatalf("record must stay pending, got %+v", got)
	}
}

func TestBroadcasterRejectsJobWithMismatchedTier(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	rec := submitOpen(t, e, map[string]any{"k": "v"})
	job := nextJob(t, e)
	job.Tier = tier.Sealed
	if err := e.broadcaster.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	got := e.get(t, rec.ID)
	if got.State != StateFailed || got.ErrorCode != string(CodeInvalidJob) {
		t.Fatalf("expected INVALID_JOB failure, got %+v", got)
	}
	if e.chain.commits.Load() != 0 {
		t.Fatal("mismatched job must not reach the adapter")
	}
}
