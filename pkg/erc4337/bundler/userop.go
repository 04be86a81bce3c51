package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// UserOperation is the hex encoded form the bundler JSON-RPC expects.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                string         `json:"nonce"`
	InitCode             string         `json:"initCode"`
	CallData             string         `json:"callData"`
	CallGasLimit         string         `json:"callGasLimit"`
	VerificationGasLimit string         `json:"verificationGasLimit"`
	PreVerificationGas   string         `json:"preVerificationGas"`
	MaxFeePerGas         string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string         `json:"paymasterAndData"`
	Signature            string         `json:"signature"`
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}

func toWire(op *userop.UserOperation) UserOperation {
	return UserOperation{
		Sender:               op.Sender,
		Nonce:                encodeBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         encodeBig(op.CallGasLimit),
		VerificationGasLimit: encodeBig(op.VerificationGasLimit),
		PreVerificationGas:   encodeBig(op.PreVerificationGas),
		MaxFeePerGas:         encodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: encodeBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	}
}

// UserOperationReceipt is the eth_getUserOperationReceipt result. Only the
// fields the wallet reads are decoded.
type UserOperationReceipt struct {
	UserOpHash    string       `json:"userOpHash"`
	Sender        string       `json:"sender"`
	Nonce         string       `json:"nonce"`
	Success       bool         `json:"success"`
	Reason        string       `json:"reason"`
	ActualGasCost string       `json:"actualGasCost"`
	Receipt       ChainReceipt `json:"receipt"`
}

type ChainReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
	BlockNumber     string      `json:"blockNumber"`
}
