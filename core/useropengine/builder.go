package useropengine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// SmartAccount is what the builder needs from an account to turn a
// transaction into a signed user operation. The engine calls Prepare once,
// Update zero or more times, then Sign, strictly in that order.
type SmartAccount interface {
	Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error)
	Update(ctx context.Context, req *UpdateRequest) (*userop.Patch, error)
	Sign(ctx context.Context, req *SignRequest) (*SignResponse, error)
}

// SubmissionListener is optionally implemented by a SmartAccount that keeps
// state across operations, such as a nonce cache. SubmissionFailed is called
// when the bundler refuses an operation the account already signed.
type SubmissionListener interface {
	SubmissionFailed(ctx context.Context, req *SignRequest, err error)
}

type PrepareRequest struct {
	ChainID uint64
	Calls   []model.Call
}

type GasLimits struct {
	CallGasLimit         string `mapstructure:"callGasLimit" json:"callGasLimit"`
	VerificationGasLimit string `mapstructure:"verificationGasLimit" json:"verificationGasLimit"`
	PreVerificationGas   string `mapstructure:"preVerificationGas" json:"preVerificationGas"`
}

// PrepareResponse is the unsigned operation skeleton. Quantities and byte
// strings are hex encoded.
type PrepareResponse struct {
	Sender                string    `mapstructure:"sender" json:"sender"`
	CallData              string    `mapstructure:"callData" json:"callData"`
	InitCode              string    `mapstructure:"initCode" json:"initCode"`
	Nonce                 string    `mapstructure:"nonce" json:"nonce"`
	Gas                   GasLimits `mapstructure:"gas" json:"gas"`
	DummySignature        string    `mapstructure:"dummySignature" json:"dummySignature"`
	DummyPaymasterAndData string    `mapstructure:"dummyPaymasterAndData" json:"dummyPaymasterAndData"`
	Bundler               string    `mapstructure:"bundler" json:"bundler"`
}

type UpdateRequest struct {
	ChainID       uint64
	UserOperation *userop.UserOperation
}

type SignRequest struct {
	ChainID       uint64
	Entrypoint    common.Address
	UserOperation *userop.UserOperation
}

type SignResponse struct {
	Signature []byte
}

// toUserOperation assembles the skeleton into a typed operation
func (p *PrepareResponse) toUserOperation() (*userop.UserOperation, error) {
	if !common.IsHexAddress(p.Sender) {
		return nil, ErrInvalidSkeleton
	}

	quantities := []string{p.Nonce, p.Gas.CallGasLimit, p.Gas.VerificationGasLimit, p.Gas.PreVerificationGas}
	values := make([]*big.Int, len(quantities))
	for i, q := range quantities {
		v, err := model.HexToBig(q)
		if err != nil {
			return nil, ErrInvalidSkeleton
		}
		values[i] = v
	}

	return &userop.UserOperation{
		Sender:               common.HexToAddress(p.Sender),
		Nonce:                values[0],
		InitCode:             common.FromHex(p.InitCode),
		CallData:             common.FromHex(p.CallData),
		CallGasLimit:         values[1],
		VerificationGasLimit: values[2],
		PreVerificationGas:   values[3],
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		PaymasterAndData:     common.FromHex(p.DummyPaymasterAndData),
		Signature:            common.FromHex(p.DummySignature),
	}, nil
}

// applyPatch overrides op fields with the ones set in patch
func applyPatch(op *userop.UserOperation, patch *userop.Patch) error {
	if patch == nil {
		return nil
	}
	if patch.PaymasterAndData != nil {
		op.PaymasterAndData = common.FromHex(*patch.PaymasterAndData)
	}

	limits := []struct {
		value *string
		dst   **big.Int
	}{
		{patch.CallGasLimit, &op.CallGasLimit},
		{patch.VerificationGasLimit, &op.VerificationGasLimit},
		{patch.PreVerificationGas, &op.PreVerificationGas},
	}
	for _, l := range limits {
		if l.value == nil {
			continue
		}
		v, err := model.HexToBig(*l.value)
		if err != nil {
			return ErrInvalidPatch
		}
		*l.dst = v
	}
	return nil
}
