package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeReader is the part of ethclient.Client fee suggestion needs.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	// Minimum tip so bundlers and builders pick the transaction up
	MinPriorityFee = big.NewInt(2_000_000_000)
	// Floor for maxFeePerGas on chains with a very low base fee
	MinMaxFee = big.NewInt(20_000_000_000)
)

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next block.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if maxPriorityFeePerGas.Cmp(MinPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(MinPriorityFee)
	}

	if header.BaseFee == nil {
		// pre EIP-1559 chain
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	// 2x baseFee tolerates a full base fee doubling before inclusion
	maxFeePerGas := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		maxPriorityFeePerGas,
	)
	if maxFeePerGas.Cmp(MinMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(MinMaxFee)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
