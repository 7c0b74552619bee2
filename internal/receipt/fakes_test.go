package receipt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/alerting"
	"ProofChain/internal/web3"
	"ProofChain/internal/web3/provider"
)

const testNetwork = "ethereum-dev"

// fakeChain is an account-style adapter keeping everything in memory. It
// uses the same CommitGuard as the real adapters.
type fakeChain struct {
	guard    *web3.CommitGuard
	capacity int

	mu       sync.Mutex
	received [][]byte
	status   map[string]web3.ChainStatus
	failures []error

	commits    atomic.Int32
	broadcasts atomic.Int32
}

func newFakeChain(capacity int) *fakeChain {
	return &fakeChain{
		guard:    web3.NewCommitGuard(nil),
		capacity: capacity,
		status:   make(map[string]web3.ChainStatus),
	}
}

// failNext queues errors returned by the next broadcasts, in order.
func (f *fakeChain) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeChain) Family() web3.Family { return web3.FamilyAccount }
func (f *fakeChain) Capacity() int       { return f.capacity }
func (f *fakeChain) Close()              {}

func (f *fakeChain) Commit(ctx context.Context, req web3.CommitRequest, cfg web3.ChainConfig) (web3.ChainReference, error) {
	if err := web3.CheckCommit(f, req, cfg); err != nil {
		return web3.ChainReference{}, err
	}
	f.commits.Add(1)
	f.mu.Lock()
	f.received = append(f.received, append([]byte(nil), req.Data...))
	f.mu.Unlock()
	return f.guard.Do(ctx, cfg.Network(), req.ContentHash, func(context.Context) (web3.ChainReference, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.failures) > 0 {
			err := f.failures[0]
			f.failures = f.failures[1:]
			return web3.ChainReference{}, err
		}
		f.broadcasts.Add(1)
		ref := web3.ChainReference{Network: cfg.Network(), TxID: fmt.Sprintf("0x%s%02d", req.ContentHash[:16], f.broadcasts.Load())}
		f.status[ref.TxID] = web3.Pending()
		return ref, nil
	})
}

func (f *fakeChain) QueryStatus(_ context.Context, ref web3.ChainReference) (web3.ChainStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[ref.TxID]
	if !ok {
		return web3.NotFound(), nil
	}
	return status, nil
}

func (f *fakeChain) confirm(txID string, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[txID] = web3.Confirmed(n)
}

func (f *fakeChain) receivedData() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type env struct {
	chain       *fakeChain
	factoryHits atomic.Int32
	registry    *provider.Registry
	validator   *web3.Validator
	store       *MemoryStore
	queue       *MemoryQueue
	alerts      *recordingAlerts
	manager     *Manager
	broadcaster *Broadcaster
	poller      *Poller
}

func newEnv(t *testing.T, capacity int, opts ...ManagerOption) *env {
	t.Helper()

	e := &env{
		chain:  newFakeChain(capacity),
		store:  NewMemoryStore(),
		queue:  NewMemoryQueue(64),
		alerts: &recordingAlerts{},
	}
	validator, err := web3.NewValidator(web3.WithNonProduction())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	e.validator = validator
	e.registry = provider.NewRegistry()
	if err := e.registry.Register(testNetwork, func(context.Context, web3.ChainConfig) (web3.Adapter, error) {
		e.factoryHits.Add(1)
		return e.chain, nil
	}); err != nil {
		t.Fatal(err)
	}

	opts = append(opts, WithManagerAlerts(e.alerts))
	e.manager, err = NewManager(validator, e.store, e.queue, opts...)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	e.broadcaster = NewBroadcaster(validator, e.registry, e.store, e.queue,
		WithRetryPolicy(RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3}),
		WithAlertDispatcher(e.alerts),
	)
	e.poller = NewPoller(e.store, e.registry, PollerConfig{QueriesPerSecond: 1000, Burst: 10}, WithPollerAlerts(e.alerts))
	return e
}

func devChain() web3.ChainCandidate {
	return web3.ChainCandidate{
		Network:       testNetwork,
		Endpoint:      "http://127.0.0.1:8545",
		MaxFeeCeiling: 1_000_000_000_000_000,
	}
}

// drain hands every queued job to the broadcaster synchronously.
func (e *env) drain(t *testing.T) {
	t.Helper()
	for e.queue.Len() > 0 {
		body := <-e.queue.ch
		job, err := DecodeJob(body)
		if err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if err := e.broadcaster.Handle(context.Background(), job); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
}

func (e *env) get(t *testing.T, id string) *Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}
