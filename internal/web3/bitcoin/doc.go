// Package bitcoin implements the UTXO-family commitment adapter. A commitment
// is a single OP_RETURN output funded, signed and broadcast by the node's
// wallet over JSON-RPC; its 80-byte data-carrier limit makes the adapter
// hash-only for anything larger.
package bitcoin
