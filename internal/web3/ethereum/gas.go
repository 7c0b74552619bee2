package ethereum

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// IntrinsicGas prices a plain value-transfer carrying data as calldata: the
// EIP-2028 per-byte cost, raised to the EIP-7623 floor when that is higher.
func IntrinsicGas(data []byte) uint64 {
	var zero, nonZero uint64
	for _, b := range data {
		if b == 0 {
			zero++
		} else {
			nonZero++
		}
	}
	standard := params.TxGas + zero*params.TxDataZeroGas + nonZero*params.TxDataNonZeroGasEIP2028
	tokens := zero + nonZero*4
	floor := params.TxGas + tokens*params.TxCostFloorPerToken
	return max(standard, floor)
}

// feeCap picks the max fee per gas for a commit: twice the base fee plus the
// tip, lowered to what the ceiling allows. ok is false when even baseFee+tip
// would exceed the ceiling.
func feeCap(baseFee, tip *big.Int, gas, ceiling uint64) (fee *big.Int, ok bool) {
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	preferred := new(big.Int).Mul(baseFee, big.NewInt(2))
	preferred.Add(preferred, tip)

	affordable := new(big.Int).Div(new(big.Int).SetUint64(ceiling), new(big.Int).SetUint64(gas))
	if preferred.Cmp(affordable) <= 0 {
		return preferred, true
	}
	minimum := new(big.Int).Add(baseFee, tip)
	if minimum.Cmp(affordable) > 0 {
		return nil, false
	}
	return affordable, true
}
