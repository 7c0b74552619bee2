package receipt

import (
	"context"
	"testing"
	"time"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/tier"
)

func TestDecodeJobValidatesFields(t *testing.T) {
	t.Parallel()

	body, err := EncodeJob(Job{RecordID: "r1", Tier: tier.Sealed, Chain: devChain(), Data: []byte{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	job, err := DecodeJob(body)
	if err != nil || job.RecordID != "r1" || job.Chain.Network != testNetwork || len(job.Data) != 2 {
		t.Fatalf("unexpected job %+v %v", job, err)
	}

	if _, err := EncodeJob(Job{Tier: tier.Open}); xerrors.CodeOf(err) != CodeInvalidJob {
		t.Fatalf("expected INVALID_JOB for missing id, got %v", err)
	}
	for _, body := range []string{`{`, `{"record_id":"r1","tier":"secret"}`, `{"tier":"open"}`} {
		if _, err := DecodeJob([]byte(body)); xerrors.CodeOf(err) != CodeInvalidJob {
			t.Fatalf("expected INVALID_JOB for %s, got %v", body, err)
		}
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	_ = q.Close()
	err := q.Publish(context.Background(), Job{RecordID: "r1", Tier: tier.Open})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

func TestBroadcasterStartConsumesQueue(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 32<<10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.broadcaster.Start(ctx) }()

	rec := submitOpen(t, e, map[string]any{"k": "v"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := e.get(t, rec.ID); got.State == StateBroadcast {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("record was not broadcast by the running worker")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}
