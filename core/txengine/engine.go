// Package txengine tracks and broadcasts plain transactions signed by EOA
// accounts. It owns the transaction records the rest of the wallet reads.
package txengine

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/deferred"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/storage/schema"
)

// ChainClient is the subset of ethclient.Client the engine drives.
type ChainClient interface {
	eip1559.FeeReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxSigner signs a transaction on behalf of an EOA held by the keyring.
type TxSigner interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Approver gates a transaction before it is signed. Returning an error
// rejects the transaction.
type Approver interface {
	Approve(ctx context.Context, record *model.TransactionRecord) error
}

type AddOptions struct {
	ChainID         uint64
	Origin          string
	ActionID        string
	Method          string
	RequireApproval bool
	SecurityAlert   *model.SecurityAlert
	SwapMetadata    map[string]any
	Type            model.TransactionType
}

// AddResult is handed back as soon as the record exists. Result settles
// once the transaction is broadcast or fails.
type AddResult struct {
	Record *model.TransactionRecord
	Result *deferred.Hash
}

type Engine struct {
	db       storage.Storage
	signer   TxSigner
	clients  map[uint64]ChainClient
	approver Approver
	logger   sdklogging.Logger
	metrics  metrics.Recorder

	// serializes read-modify-write of records
	mu sync.Mutex
	// tx hash -> record id
	hashIndex *bigcache.BigCache

	processTimeout time.Duration
}

type Option func(*Engine)

func WithApprover(a Approver) Option {
	return func(e *Engine) { e.approver = a }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = metrics.OrNoop(m) }
}

// WithProcessTimeout bounds the background approve, sign and broadcast work
// of a single transaction.
func WithProcessTimeout(d time.Duration) Option {
	return func(e *Engine) { e.processTimeout = d }
}

func New(db storage.Storage, signer TxSigner, clients map[uint64]ChainClient, lgr sdklogging.Logger, opts ...Option) (*Engine, error) {
	cacheConfig := bigcache.DefaultConfig(24 * time.Hour)
	cacheConfig.Shards = 64
	cacheConfig.Verbose = false
	cacheConfig.MaxEntrySize = 64

	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize hash index: %w", err)
	}

	e := &Engine{
		db:             db,
		signer:         signer,
		clients:        clients,
		logger:         logger.Component(lgr, "txengine"),
		metrics:        metrics.Noop,
		hashIndex:      cache,
		processTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AddTransaction records a new transaction and starts processing it in the
// background. The returned record is a snapshot at creation time.
func (e *Engine) AddTransaction(ctx context.Context, params *model.TxParams, opts AddOptions) (*AddResult, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: missing transaction params", ErrInvalidParams)
	}
	if !common.IsHexAddress(params.From) {
		return nil, fmt.Errorf("%w: invalid from address %q", ErrInvalidParams, params.From)
	}
	if params.To != "" && !common.IsHexAddress(params.To) {
		return nil, fmt.Errorf("%w: invalid to address %q", ErrInvalidParams, params.To)
	}
	client, ok := e.clients[opts.ChainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, opts.ChainID)
	}

	record := model.NewTransactionRecord(opts.ChainID, params)
	record.Origin = opts.Origin
	record.ActionID = opts.ActionID
	record.Method = opts.Method
	record.Type = opts.Type
	record.SecurityAlert = opts.SecurityAlert
	record.SwapMetadata = opts.SwapMetadata

	if err := e.save(record); err != nil {
		return nil, err
	}
	e.metrics.IncTransactionStatus(string(record.Status))

	e.logger.Info("transaction added", "id", record.ID, "chain_id", record.ChainID, "origin", record.Origin)

	future := deferred.NewHash()
	snapshot := *record
	go e.process(record, client, future, opts.RequireApproval)

	return &AddResult{Record: &snapshot, Result: future}, nil
}

// process runs detached from the caller context, a caller that stops
// waiting does not abort the broadcast
func (e *Engine) process(record *model.TransactionRecord, client ChainClient, future *deferred.Hash, requireApproval bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.processTimeout)
	defer cancel()

	if requireApproval && e.approver != nil {
		if err := e.approver.Approve(ctx, record); err != nil {
			e.fail(record, model.StatusRejected, err)
			future.Reject(err)
			return
		}
	}
	e.setStatus(record, model.StatusApproved, nil)

	tx, err := e.buildTx(ctx, client, record)
	if err != nil {
		e.fail(record, model.StatusFailed, err)
		future.Reject(err)
		return
	}

	signed, err := e.signer.SignTx(ctx, common.HexToAddress(record.Params.From), tx, new(big.Int).SetUint64(record.ChainID))
	if err != nil {
		e.fail(record, model.StatusFailed, err)
		future.Reject(err)
		return
	}
	e.setStatus(record, model.StatusSigned, nil)

	if err := client.SendTransaction(ctx, signed); err != nil {
		e.fail(record, model.StatusFailed, err)
		future.Reject(err)
		return
	}

	hash := signed.Hash()
	e.setStatus(record, model.StatusSubmitted, &hash)
	e.logger.Info("transaction submitted", "id", record.ID, "hash", hash.Hex())
	future.Resolve(hash)
}

func (e *Engine) buildTx(ctx context.Context, client ChainClient, record *model.TransactionRecord) (*types.Transaction, error) {
	p := record.Params
	from := common.HexToAddress(p.From)

	value, err := model.HexToBig(p.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidParams, err)
	}
	data := common.FromHex(p.Data)

	var to *common.Address
	if p.To != "" {
		addr := common.HexToAddress(p.To)
		to = &addr
	}

	var nonce uint64
	if p.Nonce != "" {
		n, err := model.HexToBig(p.Nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: nonce: %v", ErrInvalidParams, err)
		}
		nonce = n.Uint64()
	} else if nonce, err = client.PendingNonceAt(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	maxFee, err := model.HexToBig(p.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("%w: maxFeePerGas: %v", ErrInvalidParams, err)
	}
	maxTip, err := model.HexToBig(p.MaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("%w: maxPriorityFeePerGas: %v", ErrInvalidParams, err)
	}
	// caller supplied fees are kept as is, only missing ones are suggested
	if maxFee.Sign() == 0 || maxTip.Sign() == 0 {
		suggestedFee, suggestedTip, err := eip1559.SuggestFee(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas fees: %w", err)
		}
		if maxFee.Sign() == 0 {
			maxFee = suggestedFee
		}
		if maxTip.Sign() == 0 {
			maxTip = suggestedTip
		}
	}

	gas, err := model.HexToBig(p.Gas)
	if err != nil {
		return nil, fmt.Errorf("%w: gas: %v", ErrInvalidParams, err)
	}
	gasLimit := gas.Uint64()
	if gasLimit == 0 {
		gasLimit, err = client.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        to,
			Value:     value,
			Data:      data,
			GasFeeCap: maxFee,
			GasTipCap: maxTip,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(record.ChainID),
		Nonce:     nonce,
		GasTipCap: maxTip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	}), nil
}

func (e *Engine) setStatus(record *model.TransactionRecord, status model.TransactionStatus, hash *common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record.Status = status
	if hash != nil {
		record.Hash = hash
	}
	record.UpdatedAt = time.Now().UnixMilli()
	if err := e.saveLocked(record); err != nil {
		e.logger.Error("failed to persist transaction status", "id", record.ID, "status", status, "error", err)
	}
	e.metrics.IncTransactionStatus(string(status))
}

func (e *Engine) fail(record *model.TransactionRecord, status model.TransactionStatus, err error) {
	e.logger.Warn("transaction did not go through", "id", record.ID, "status", status, "error", err)

	e.mu.Lock()
	record.Error = err.Error()
	e.mu.Unlock()
	e.setStatus(record, status, nil)
}

func (e *Engine) save(record *model.TransactionRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked(record)
}

func (e *Engine) saveLocked(record *model.TransactionRecord) error {
	data, err := record.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := e.db.Set(schema.TransactionStorageKey(record.ID), data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if record.Hash != nil {
		if err := e.hashIndex.Set(record.Hash.Hex(), []byte(record.ID)); err != nil {
			e.logger.Warn("failed to index transaction hash", "id", record.ID, "error", err)
		}
	}
	return nil
}

// Track stores a record produced outside the engine, replacing any record
// with the same id. The user operation engine uses it so bundled
// operations show up alongside plain transactions.
func (e *Engine) Track(record *model.TransactionRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record without id", ErrInvalidParams)
	}
	cp := *record
	cp.UpdatedAt = time.Now().UnixMilli()
	if err := e.save(&cp); err != nil {
		return err
	}
	e.metrics.IncTransactionStatus(string(cp.Status))
	return nil
}

// UpdateStatus moves a tracked record to status, attaching hash and reason
// when given.
func (e *Engine) UpdateStatus(id string, status model.TransactionStatus, hash *common.Hash, reason string) error {
	record, err := e.TransactionByID(id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if reason != "" {
		record.Error = reason
	}
	e.setStatus(record, status, hash)
	return nil
}

// Transactions lists every tracked record ordered by id, which is creation order.
func (e *Engine) Transactions() []*model.TransactionRecord {
	items, err := e.db.GetByPrefix(schema.TransactionStoragePrefix())
	if err != nil {
		e.logger.Error("failed to list transactions", "error", err)
	}

	records := lo.FilterMap(items, func(item *storage.KeyValueItem, _ int) (*model.TransactionRecord, bool) {
		record := &model.TransactionRecord{}
		if err := record.FromStorageData(item.Value); err != nil {
			e.logger.Warn("skipping undecodable transaction", "key", string(item.Key), "error", err)
			return nil, false
		}
		return record, true
	})
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// TransactionByID returns nil without error when the id is unknown.
func (e *Engine) TransactionByID(id string) (*model.TransactionRecord, error) {
	data, err := e.db.GetKey(schema.TransactionStorageKey(id))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	record := &model.TransactionRecord{}
	if err := record.FromStorageData(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return record, nil
}

// TransactionByHash returns nil without error when no record carries hash.
func (e *Engine) TransactionByHash(hash common.Hash) (*model.TransactionRecord, error) {
	if id, err := e.hashIndex.Get(hash.Hex()); err == nil {
		return e.TransactionByID(string(id))
	}

	record, found := lo.Find(e.Transactions(), func(r *model.TransactionRecord) bool {
		return r.Hash != nil && *r.Hash == hash
	})
	if !found {
		return nil, nil
	}
	return record, nil
}

func (e *Engine) Close() error {
	return e.hashIndex.Close()
}
