// Package ethereum implements the account-based commitment adapter. Each
// commitment is a zero-value EIP-1559 transaction whose calldata carries the
// on-chain bytes, sent to a sink address (the sender by default).
package ethereum
