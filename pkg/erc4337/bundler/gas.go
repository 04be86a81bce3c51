package bundler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

type gasEstimationResult struct {
	PreVerificationGas   string `json:"preVerificationGas"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	CallGasLimit         string `json:"callGasLimit"`
}

func (r *gasEstimationResult) decode() (*GasEstimation, error) {
	pvg, err := hexutil.DecodeBig(r.PreVerificationGas)
	if err != nil {
		return nil, fmt.Errorf("invalid preVerificationGas %q: %w", r.PreVerificationGas, err)
	}
	vgl, err := hexutil.DecodeBig(r.VerificationGasLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid verificationGasLimit %q: %w", r.VerificationGasLimit, err)
	}
	cgl, err := hexutil.DecodeBig(r.CallGasLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid callGasLimit %q: %w", r.CallGasLimit, err)
	}
	return &GasEstimation{
		PreVerificationGas:   pvg,
		VerificationGasLimit: vgl,
		CallGasLimit:         cgl,
	}, nil
}
