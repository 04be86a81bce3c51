// Package useropengine turns transactions from smart contract accounts into
// ERC-4337 user operations, submits them to a bundler and follows them until
// the bundle transaction is mined.
package useropengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/deferred"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/storage/schema"
)

// Bundler is the subset of bundler.BundlerClient the engine uses.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (string, error)
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*bundler.GasEstimation, error)
	GetUserOperationReceipt(ctx context.Context, hash string) (*bundler.UserOperationReceipt, error)
}

// BundlerDialer opens a bundler by url. Clients are cached per url.
type BundlerDialer func(url string) (Bundler, error)

// TransactionTracker is where operations are materialized as transaction
// records. *txengine.Engine implements it.
type TransactionTracker interface {
	Track(record *model.TransactionRecord) error
	UpdateStatus(id string, status model.TransactionStatus, hash *common.Hash, reason string) error
}

type Network struct {
	ChainID    uint64
	Entrypoint common.Address
	// optional, fees stay zero when unset
	Fees eip1559.FeeReader
}

type AddOptions struct {
	ChainID         uint64
	Origin          string
	RequireApproval bool
	SwapMetadata    map[string]any
	Type            model.TransactionType
	SmartAccount    SmartAccount
}

type AddResult struct {
	ID   string
	Hash *deferred.Hash
}

// pendingOperation is persisted until a receipt shows up so polling
// survives restarts
type pendingOperation struct {
	ID          string `json:"id"`
	ChainID     uint64 `json:"chain_id"`
	UserOpHash  string `json:"user_op_hash"`
	Bundler     string `json:"bundler"`
	SubmittedAt int64  `json:"submitted_at"`
}

type Engine struct {
	db       storage.Storage
	tracker  TransactionTracker
	networks map[uint64]Network
	dial     BundlerDialer
	approver txengine.Approver
	logger   sdklogging.Logger
	metrics  metrics.Recorder

	scheduler    gocron.Scheduler
	pollInterval time.Duration

	mu       sync.Mutex
	bundlers map[string]Bundler
	polling  map[uint64]gocron.Job
	futures  map[string]*deferred.Hash
}

type Option func(*Engine)

func WithApprover(a txengine.Approver) Option {
	return func(e *Engine) { e.approver = a }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = metrics.OrNoop(m) }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// DialBundler is the default BundlerDialer backed by bundler.BundlerClient
func DialBundler(lgr sdklogging.Logger) BundlerDialer {
	return func(url string) (Bundler, error) {
		return bundler.NewBundlerClient(url, lgr)
	}
}

func New(db storage.Storage, tracker TransactionTracker, networks []Network, dial BundlerDialer, lgr sdklogging.Logger, opts ...Option) (*Engine, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create poll scheduler: %w", err)
	}

	e := &Engine{
		db:           db,
		tracker:      tracker,
		networks:     make(map[uint64]Network, len(networks)),
		dial:         dial,
		logger:       logger.Component(lgr, "useropengine"),
		metrics:      metrics.Noop,
		scheduler:    scheduler,
		pollInterval: 3 * time.Second,
		bundlers:     make(map[string]Bundler),
		polling:      make(map[uint64]gocron.Job),
		futures:      make(map[string]*deferred.Hash),
	}
	for _, n := range networks {
		e.networks[n.ChainID] = n
	}
	for _, opt := range opts {
		opt(e)
	}

	scheduler.Start()
	return e, nil
}

// AddOperationFromTransaction builds, signs and submits a user operation for
// params through opts.SmartAccount. Errors from the account are returned as is.
func (e *Engine) AddOperationFromTransaction(ctx context.Context, params *model.TxParams, opts AddOptions) (*AddResult, error) {
	network, ok := e.networks[opts.ChainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, opts.ChainID)
	}
	if opts.SmartAccount == nil {
		return nil, ErrNoSmartAccount
	}
	if params == nil {
		params = &model.TxParams{}
	}

	record := model.NewTransactionRecord(opts.ChainID, params)
	record.Origin = opts.Origin
	record.Type = opts.Type
	record.SwapMetadata = opts.SwapMetadata
	if err := e.tracker.Track(record); err != nil {
		return nil, err
	}

	fail := func(err error) (*AddResult, error) {
		status := model.StatusFailed
		if errors.Is(err, txengine.ErrUserRejected) {
			status = model.StatusRejected
		}
		if uerr := e.tracker.UpdateStatus(record.ID, status, nil, err.Error()); uerr != nil {
			e.logger.Error("failed to mark user operation failed", "id", record.ID, "error", uerr)
		}
		return nil, err
	}

	if opts.RequireApproval && e.approver != nil {
		if err := e.approver.Approve(ctx, record); err != nil {
			return fail(err)
		}
	}

	prepared, err := opts.SmartAccount.Prepare(ctx, &PrepareRequest{
		ChainID: opts.ChainID,
		Calls: []model.Call{{
			To:    params.To,
			Value: params.Value,
			Data:  params.Data,
		}},
	})
	if err != nil {
		return fail(err)
	}

	op, err := prepared.toUserOperation()
	if err != nil {
		return fail(err)
	}

	if err := e.fillFees(ctx, network, params, op); err != nil {
		return fail(err)
	}

	client, err := e.bundlerFor(prepared.Bundler)
	if err != nil {
		return fail(err)
	}

	if estimate, err := client.EstimateUserOperationGas(ctx, op, network.Entrypoint); err != nil {
		// bundler estimation is unreliable before deployment, fall back to the account's limits
		e.logger.Warn("bundler gas estimation failed, using account gas limits", "id", record.ID, "error", err)
	} else {
		op.CallGasLimit = estimate.CallGasLimit
		op.VerificationGasLimit = estimate.VerificationGasLimit
		op.PreVerificationGas = estimate.PreVerificationGas
	}

	patch, err := opts.SmartAccount.Update(ctx, &UpdateRequest{ChainID: opts.ChainID, UserOperation: op.Copy()})
	if err != nil {
		return fail(err)
	}
	if err := applyPatch(op, patch); err != nil {
		return fail(err)
	}

	signed, err := opts.SmartAccount.Sign(ctx, &SignRequest{
		ChainID:       opts.ChainID,
		Entrypoint:    network.Entrypoint,
		UserOperation: op.Copy(),
	})
	if err != nil {
		return fail(err)
	}
	op.Signature = signed.Signature

	opHash, err := client.SendUserOperation(ctx, op, network.Entrypoint)
	if err != nil {
		if l, ok := opts.SmartAccount.(SubmissionListener); ok {
			l.SubmissionFailed(ctx, &SignRequest{ChainID: opts.ChainID, Entrypoint: network.Entrypoint, UserOperation: op.Copy()}, err)
		}
		return fail(err)
	}

	record.Status = model.StatusSubmitted
	record.UserOperationHash = opHash
	if err := e.tracker.Track(record); err != nil {
		e.logger.Error("failed to track submitted user operation", "id", record.ID, "error", err)
	}

	future := deferred.NewHash()
	e.mu.Lock()
	e.futures[record.ID] = future
	e.mu.Unlock()

	if err := e.savePending(&pendingOperation{
		ID:          record.ID,
		ChainID:     opts.ChainID,
		UserOpHash:  opHash,
		Bundler:     prepared.Bundler,
		SubmittedAt: time.Now().UnixMilli(),
	}); err != nil {
		e.logger.Error("failed to persist pending user operation", "id", record.ID, "error", err)
	}

	e.logger.Info("user operation submitted", "id", record.ID, "user_op_hash", opHash, "sender", op.Sender.Hex())
	return &AddResult{ID: record.ID, Hash: future}, nil
}

func (e *Engine) fillFees(ctx context.Context, network Network, params *model.TxParams, op *userop.UserOperation) error {
	maxFee, err := model.HexToBig(params.MaxFeePerGas)
	if err != nil {
		return fmt.Errorf("invalid maxFeePerGas: %w", err)
	}
	maxTip, err := model.HexToBig(params.MaxPriorityFeePerGas)
	if err != nil {
		return fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
	}

	if (maxFee.Sign() == 0 || maxTip.Sign() == 0) && network.Fees != nil {
		suggestedFee, suggestedTip, err := eip1559.SuggestFee(ctx, network.Fees)
		if err != nil {
			return fmt.Errorf("failed to suggest gas fees: %w", err)
		}
		if maxFee.Sign() == 0 {
			maxFee = suggestedFee
		}
		if maxTip.Sign() == 0 {
			maxTip = suggestedTip
		}
	}

	op.MaxFeePerGas = maxFee
	op.MaxPriorityFeePerGas = maxTip
	return nil
}

func (e *Engine) bundlerFor(url string) (Bundler, error) {
	if url == "" {
		return nil, ErrNoBundler
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.bundlers[url]; ok {
		return b, nil
	}
	b, err := e.dial(url)
	if err != nil {
		return nil, err
	}
	e.bundlers[url] = b
	return b, nil
}

func (e *Engine) savePending(p *pendingOperation) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.db.Set(schema.PendingUserOpKey(p.ChainID, p.ID), data)
}

// StartPollingForNetwork makes sure receipts for chainID are being polled.
// Calling it again for a chain that is already polled is a no-op.
func (e *Engine) StartPollingForNetwork(chainID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.polling[chainID]; ok {
		return
	}

	job, err := e.scheduler.NewJob(
		gocron.DurationJob(e.pollInterval),
		gocron.NewTask(e.pollNetwork, chainID),
		gocron.WithName(fmt.Sprintf("userop-poll-%d", chainID)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		e.logger.Error("failed to start user operation polling", "chain_id", chainID, "error", err)
		return
	}
	e.polling[chainID] = job
	e.logger.Info("polling user operations", "chain_id", chainID, "interval", e.pollInterval)
}

// IsPolling reports whether chainID has a poll job registered
func (e *Engine) IsPolling(chainID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.polling[chainID]
	return ok
}

// pollNetwork checks every pending operation of chainID once
func (e *Engine) pollNetwork(chainID uint64) {
	items, err := e.db.GetByPrefix(schema.PendingUserOpPrefix(chainID))
	if err != nil {
		e.logger.Error("failed to load pending user operations", "chain_id", chainID, "error", err)
		return
	}

	for _, item := range items {
		var p pendingOperation
		if err := json.Unmarshal(item.Value, &p); err != nil {
			e.logger.Warn("dropping undecodable pending user operation", "key", string(item.Key), "error", err)
			_ = e.db.Delete(item.Key)
			continue
		}
		e.pollOne(&p)
	}
}

func (e *Engine) pollOne(p *pendingOperation) {
	client, err := e.bundlerFor(p.Bundler)
	if err != nil {
		e.logger.Error("no bundler for pending user operation", "id", p.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receipt, err := client.GetUserOperationReceipt(ctx, p.UserOpHash)
	if err != nil {
		e.metrics.IncUserOpPolled("error")
		e.logger.Warn("user operation receipt poll failed", "id", p.ID, "error", err)
		return
	}
	if receipt == nil {
		e.metrics.IncUserOpPolled("pending")
		return
	}

	txHash := receipt.Receipt.TransactionHash
	e.mu.Lock()
	future := e.futures[p.ID]
	delete(e.futures, p.ID)
	e.mu.Unlock()

	if receipt.Success {
		e.metrics.IncUserOpPolled("confirmed")
		if err := e.tracker.UpdateStatus(p.ID, model.StatusConfirmed, &txHash, ""); err != nil {
			e.logger.Error("failed to confirm user operation", "id", p.ID, "error", err)
		}
		if future != nil {
			future.Resolve(txHash)
		}
	} else {
		e.metrics.IncUserOpPolled("reverted")
		reason := fmt.Errorf("%w: %s", ErrReverted, receipt.Reason)
		if err := e.tracker.UpdateStatus(p.ID, model.StatusFailed, &txHash, reason.Error()); err != nil {
			e.logger.Error("failed to mark user operation reverted", "id", p.ID, "error", err)
		}
		if future != nil {
			future.Reject(reason)
		}
	}

	if err := e.db.Delete(schema.PendingUserOpKey(p.ChainID, p.ID)); err != nil {
		e.logger.Warn("failed to clear pending user operation", "id", p.ID, "error", err)
	}
	e.logger.Info("user operation settled", "id", p.ID, "tx_hash", txHash.Hex(), "success", receipt.Success)
}

func (e *Engine) Stop() error {
	return e.scheduler.Shutdown()
}
