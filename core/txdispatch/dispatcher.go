// Package txdispatch routes a single "send this transaction" request to the
// plain transaction engine or to the user operation engine depending on the
// account that signs it, and hands back the same result either way.
package txdispatch

import (
	"context"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// swapMetadataTypeKey is dropped from swap metadata before it reaches the
// user operation builder
const swapMetadataTypeKey = "type"

type Dispatcher struct {
	txs     TransactionEngine
	userops UserOperationEngine
	backend SigningBackend

	logger  sdklogging.Logger
	metrics metrics.Recorder
}

type Option func(*Dispatcher)

func WithMetrics(m metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = metrics.OrNoop(m) }
}

func New(txs TransactionEngine, userops UserOperationEngine, backend SigningBackend, lgr sdklogging.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		txs:     txs,
		userops: userops,
		backend: backend,
		logger:  logger.Component(lgr, "txdispatch"),
		metrics: metrics.Noop,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits req through the strategy its account selects. Engine
// errors are returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, req *SubmissionRequest) (*Result, error) {
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("%w: missing transaction params", ErrInvalidRequest)
	}

	strategy := Classify(req.Account)
	d.logger.Debug("dispatching transaction", "chain_id", req.ChainID, "account", req.Account.Address.Hex(), "strategy", strategy.String(), "origin", req.Options.Origin)

	var (
		result *Result
		err    error
	)
	switch strategy {
	case StrategySmartContract:
		result, err = d.submitSmartAccount(ctx, req)
	default:
		result, err = d.submitEOA(ctx, req)
	}

	if err != nil {
		d.metrics.IncSubmissionFailure(strategy.String())
		return nil, err
	}
	d.metrics.IncSubmission(strategy.String())
	return result, nil
}

func (d *Dispatcher) submitEOA(ctx context.Context, req *SubmissionRequest) (*Result, error) {
	added, err := d.txs.AddTransaction(ctx, req.Params, txengine.AddOptions{
		ChainID:         req.ChainID,
		Origin:          req.Options.Origin,
		ActionID:        req.Options.ActionID,
		Method:          req.Options.Method,
		RequireApproval: req.Options.requireApproval(),
		SecurityAlert:   req.Options.SecurityAlert,
		SwapMetadata:    req.Options.SwapMetadata,
		Type:            req.Options.Type,
	})
	if err != nil {
		return nil, err
	}
	return &Result{ID: added.Record.ID, Record: added.Record, Hash: added.Result}, nil
}

func (d *Dispatcher) submitSmartAccount(ctx context.Context, req *SubmissionRequest) (*Result, error) {
	// fees are accounted for inside the bundle
	params := req.Params.Clone()
	params.MaxFeePerGas = model.ZeroHex
	params.MaxPriorityFeePerGas = model.ZeroHex

	added, err := d.userops.AddOperationFromTransaction(ctx, params, useropengine.AddOptions{
		ChainID:         req.ChainID,
		Origin:          req.Options.Origin,
		RequireApproval: true,
		SwapMetadata:    stripSwapType(req.Options.SwapMetadata),
		Type:            req.Options.Type,
		SmartAccount:    NewSmartAccountSigner(d.backend, req.Account.Address),
	})
	if err != nil {
		return nil, err
	}

	d.userops.StartPollingForNetwork(req.ChainID)

	record := d.RecordByID(added.ID)
	if record == nil {
		d.logger.Debug("user operation record not tracked yet", "id", added.ID)
	}
	return &Result{ID: added.ID, Record: record, Hash: added.Hash}, nil
}

// stripSwapType copies metadata without its embedded type. Metadata without
// one is returned unchanged.
func stripSwapType(metadata map[string]any) map[string]any {
	if _, ok := metadata[swapMetadataTypeKey]; !ok {
		return metadata
	}
	return lo.OmitByKeys(metadata, []string{swapMetadataTypeKey})
}

// RecordByID returns nil when no tracked transaction has id
func (d *Dispatcher) RecordByID(id string) *model.TransactionRecord {
	record, _ := lo.Find(d.txs.Transactions(), func(r *model.TransactionRecord) bool {
		return r.ID == id
	})
	return record
}

// RecordByHash returns nil when no tracked transaction carries hash
func (d *Dispatcher) RecordByHash(hash common.Hash) *model.TransactionRecord {
	record, _ := lo.Find(d.txs.Transactions(), func(r *model.TransactionRecord) bool {
		return r.Hash != nil && *r.Hash == hash
	})
	return record
}
