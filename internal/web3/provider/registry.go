package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
)

// Factory constructs an adapter for a validated chain configuration.
type Factory func(ctx context.Context, cfg web3.ChainConfig) (web3.Adapter, error)

type binding struct {
	endpoint string
	adapter  web3.Adapter
}

// Registry maps network names to adapter factories and keeps the adapters it
// has bound. Adapters are constructed lazily, once per network and endpoint.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	bound     map[string][]binding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		bound:     make(map[string][]binding),
	}
}

// Register attaches a factory to a network. Registering a network twice is a
// wiring bug and is reported as a conflict.
func (r *Registry) Register(network string, factory Factory) error {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" || factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "网络名称与工厂函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[network]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("网络 %s 已注册适配器", network))
	}
	r.factories[network] = factory
	return nil
}

// Bind returns the adapter serving cfg, constructing it on first use. The
// factory runs without the registry lock so a slow dial does not stall Get;
// when two callers race, the first adapter stored wins and the other is closed.
func (r *Registry) Bind(ctx context.Context, cfg web3.ChainConfig) (web3.Adapter, error) {
	if !cfg.Valid() {
		return nil, xerrors.New(web3.CodeInvalidChainConfig, "链配置未经过校验")
	}
	network := cfg.Network()

	r.mu.Lock()
	factory, ok := r.factories[network]
	existing := r.lookup(network, cfg.Endpoint())
	r.mu.Unlock()
	if !ok {
		return nil, unsupported(network)
	}
	if existing != nil {
		return existing, nil
	}

	adapter, err := factory(ctx, cfg)
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return nil, err
		}
		return nil, xerrors.Wrap(web3.CodeAdapterTransient, err, fmt.Sprintf("初始化网络 %s 的适配器失败", network))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if winner := r.lookup(network, cfg.Endpoint()); winner != nil {
		adapter.Close()
		return winner, nil
	}
	r.bound[network] = append(r.bound[network], binding{endpoint: cfg.Endpoint(), adapter: adapter})
	return adapter, nil
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(network, endpoint string) web3.Adapter {
	for _, b := range r.bound[network] {
		if b.endpoint == endpoint {
			return b.adapter
		}
	}
	return nil
}

// Get returns the first adapter bound for network. Read-only callers such as
// the verifier use it to query status without supplying an endpoint.
func (r *Registry) Get(network string) (web3.Adapter, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	r.mu.Lock()
	defer r.mu.Unlock()
	if bindings := r.bound[network]; len(bindings) > 0 {
		return bindings[0].adapter, nil
	}
	return nil, unsupported(network)
}

// Networks returns the registered network names.
func (r *Registry) Networks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every bound adapter.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for network, bindings := range r.bound {
		for _, b := range bindings {
			if b.adapter != nil {
				b.adapter.Close()
			}
		}
		delete(r.bound, network)
	}
}

func unsupported(network string) error {
	return xerrors.New(web3.CodeUnsupportedNetwork,
		fmt.Sprintf("网络 %s 没有可用的适配器", network),
		xerrors.WithMetadata("network", network))
}
