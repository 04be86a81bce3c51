package txdispatch

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// TransactionEngine broadcasts EOA transactions and owns every tracked
// record, including the ones materialized for user operations.
type TransactionEngine interface {
	AddTransaction(ctx context.Context, params *model.TxParams, opts txengine.AddOptions) (*txengine.AddResult, error)
	Transactions() []*model.TransactionRecord
}

// UserOperationEngine bundles transactions from smart contract accounts.
type UserOperationEngine interface {
	AddOperationFromTransaction(ctx context.Context, params *model.TxParams, opts useropengine.AddOptions) (*useropengine.AddResult, error)
	// StartPollingForNetwork is idempotent
	StartPollingForNetwork(chainID uint64)
}

// SigningBackend holds the keys of smart accounts. Its prepare answer uses
// the backend's own field names, see prepareFieldMapping.
type SigningBackend interface {
	PrepareUserOperation(ctx context.Context, chainID uint64, address common.Address, calls []model.Call) (map[string]any, error)
	PatchUserOperation(ctx context.Context, chainID uint64, address common.Address, op *userop.UserOperation) (*userop.Patch, error)
	SignUserOperation(ctx context.Context, chainID uint64, address common.Address, op *userop.UserOperation) ([]byte, error)
}

// NonceResetter is optionally implemented by a SigningBackend that caches
// smart account nonces. *keyring.Keyring implements it.
type NonceResetter interface {
	ResetNonce(chainID uint64, address common.Address)
}
