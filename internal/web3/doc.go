// Package web3 holds the chain-facing contracts shared by every adapter:
// untrusted chain candidates, the validator that turns them into immutable
// ChainConfig values, the per-network policy table, the Adapter interface and
// the reference index that keeps commits idempotent. Concrete adapters live in
// sub-packages (ethereum, bitcoin) and are wired through provider.Registry.
package web3
