package txdispatch

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/deferred"
)

// Options are the submission options shared by both strategies. A nil
// RequireApproval means approval is required.
type Options struct {
	Origin          string
	ActionID        string
	Method          string
	RequireApproval *bool
	SecurityAlert   *model.SecurityAlert
	SwapMetadata    map[string]any
	Type            model.TransactionType
}

func (o Options) requireApproval() bool {
	return o.RequireApproval == nil || *o.RequireApproval
}

// SubmissionRequest is the one shape every caller is normalized into
type SubmissionRequest struct {
	ChainID uint64
	Account model.Account
	Params  *model.TxParams
	Options Options
}

// DappRequest is what arrives from a dapp connection, eth_sendTransaction
// plus the bookkeeping of the request that carried it.
type DappRequest struct {
	ChainID       uint64
	Account       model.Account
	Params        *model.TxParams
	ActionID      string
	Method        string
	Origin        string
	SecurityAlert *model.SecurityAlert
}

// NewDappRequest always requires approval
func NewDappRequest(r DappRequest) *SubmissionRequest {
	required := true
	return &SubmissionRequest{
		ChainID: r.ChainID,
		Account: r.Account,
		Params:  r.Params,
		Options: Options{
			Origin:          r.Origin,
			ActionID:        r.ActionID,
			Method:          r.Method,
			RequireApproval: &required,
			SecurityAlert:   r.SecurityAlert,
		},
	}
}

// NewWalletRequest is for submissions the wallet makes on its own behalf
func NewWalletRequest(chainID uint64, account model.Account, params *model.TxParams, opts Options) *SubmissionRequest {
	return &SubmissionRequest{
		ChainID: chainID,
		Account: account,
		Params:  params,
		Options: opts,
	}
}

type WaitOptions struct {
	WaitForSubmission bool
}

// Result is what both strategies hand back. Record may be nil when the
// engine has not materialized it yet, Hash is always set.
type Result struct {
	// ID of the tracked transaction, set even when Record is nil
	ID     string
	Record *model.TransactionRecord
	Hash   *deferred.Hash
}

func (r *Result) WaitForHash(ctx context.Context) (common.Hash, error) {
	return r.Hash.Wait(ctx)
}
