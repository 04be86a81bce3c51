// Package userop holds the EntryPoint v0.6 user operation and its hashing.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the EntryPoint v0.6 struct. Nonce may be nil until the
// account backend fills it in.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// Patch carries the fields an account backend may override after the
// operation has been assembled and gas estimated.
type Patch struct {
	PaymasterAndData     *string `json:"paymasterAndData,omitempty"`
	CallGasLimit         *string `json:"callGasLimit,omitempty"`
	VerificationGasLimit *string `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *string `json:"preVerificationGas,omitempty"`
}

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	packedArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: bytes32Type},
	}

	hashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}
)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Pack abi encodes the operation without its signature, the way the
// EntryPoint does before hashing.
func (op *UserOperation) Pack() []byte {
	packed, err := packedArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// only reachable with malformed argument types above
		panic(err)
	}
	return packed
}

// GetUserOpHash is the hash the account signs and the bundler reports.
func (op *UserOperation) GetUserOpHash(entrypoint common.Address, chainID *big.Int) common.Hash {
	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(op.Pack()), entrypoint, orZero(chainID))
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// Copy returns a deep copy so patches can be applied without aliasing.
func (op *UserOperation) Copy() *UserOperation {
	cp := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cp(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         cp(op.CallGasLimit),
		VerificationGasLimit: cp(op.VerificationGasLimit),
		PreVerificationGas:   cp(op.PreVerificationGas),
		MaxFeePerGas:         cp(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cp(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}
