package useropengine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

const testBundlerURL = "http://bundler.test"

// recordingAccount is a SmartAccount that logs the order of calls
type recordingAccount struct {
	mu      sync.Mutex
	calls   []string
	prepare *PrepareRequest
	signed  *userop.UserOperation

	prepareErr error
	patch      *userop.Patch
	failedSend error
}

func (a *recordingAccount) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "prepare")
	a.prepare = req
	if a.prepareErr != nil {
		return nil, a.prepareErr
	}
	return &PrepareResponse{
		Sender:   testutil.TestSmartAccount.Hex(),
		CallData: "0xb61d27f6",
		InitCode: "0x",
		Nonce:    "0x3",
		Gas: GasLimits{
			CallGasLimit:         "0x30d40",
			VerificationGasLimit: "0xf4240",
			PreVerificationGas:   "0xc350",
		},
		DummySignature:        "0xdead",
		DummyPaymasterAndData: "0x",
		Bundler:               testBundlerURL,
	}, nil
}

func (a *recordingAccount) Update(ctx context.Context, req *UpdateRequest) (*userop.Patch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "update")
	return a.patch, nil
}

func (a *recordingAccount) SubmissionFailed(ctx context.Context, req *SignRequest, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "submission failed")
	a.failedSend = err
}

func (a *recordingAccount) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "sign")
	a.signed = req.UserOperation
	return &SignResponse{Signature: []byte{0x01, 0x02}}, nil
}

type fakeBundler struct {
	mu       sync.Mutex
	sent     []*userop.UserOperation
	receipt  *bundler.UserOperationReceipt
	sendErr  error
	estimate *bundler.GasEstimation
}

func (b *fakeBundler) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.sent = append(b.sent, op)
	return "0xopHash", nil
}

func (b *fakeBundler) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*bundler.GasEstimation, error) {
	if b.estimate == nil {
		return nil, errors.New("AA20 account not deployed")
	}
	return b.estimate, nil
}

func (b *fakeBundler) GetUserOperationReceipt(ctx context.Context, hash string) (*bundler.UserOperationReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receipt, nil
}

func (b *fakeBundler) setReceipt(r *bundler.UserOperationReceipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipt = r
}

type fixture struct {
	engine  *Engine
	txs     *txengine.Engine
	bundler *fakeBundler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.TestMustDB()
	t.Cleanup(func() { db.Close() })

	txs, err := txengine.New(db, nil, nil, nil)
	require.NoError(t, err)

	fb := &fakeBundler{}
	dial := func(url string) (Bundler, error) {
		require.Equal(t, testBundlerURL, url)
		return fb, nil
	}

	opts = append([]Option{WithPollInterval(time.Hour)}, opts...)
	e, err := New(db, txs, []Network{{
		ChainID:    testutil.TestChainID,
		Entrypoint: testutil.TestEntrypoint,
		Fees:       testutil.NewFakeChainClient(),
	}}, dial, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })

	return &fixture{engine: e, txs: txs, bundler: fb}
}

func zeroFeeParams() *model.TxParams {
	return &model.TxParams{
		From:                 testutil.TestSmartAccount.Hex(),
		To:                   testutil.TestRecipient.Hex(),
		Value:                "0x1",
		Data:                 "0x",
		MaxFeePerGas:         model.ZeroHex,
		MaxPriorityFeePerGas: model.ZeroHex,
	}
}

func TestAddOperationFromTransaction(t *testing.T) {
	f := newFixture(t)
	account := &recordingAccount{}

	result, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:         testutil.TestChainID,
		Origin:          "metamask",
		RequireApproval: true,
		Type:            model.SimpleSendType,
		SmartAccount:    account,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ID)

	assert.Equal(t, []string{"prepare", "update", "sign"}, account.calls)
	assert.Equal(t, []model.Call{{To: testutil.TestRecipient.Hex(), Value: "0x1", Data: "0x"}}, account.prepare.Calls)

	require.Len(t, f.bundler.sent, 1)
	sent := f.bundler.sent[0]
	assert.Equal(t, testutil.TestSmartAccount, sent.Sender)
	assert.Equal(t, []byte{0x01, 0x02}, sent.Signature)
	assert.Equal(t, int64(3), sent.Nonce.Int64())
	// fees come from the network suggestion since the params carried none
	assert.True(t, sent.MaxFeePerGas.Sign() > 0)
	// the signer saw the dummy signature, not the final one
	assert.Equal(t, []byte{0xde, 0xad}, account.signed.Signature)

	record, err := f.txs.TransactionByID(result.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, model.StatusSubmitted, record.Status)
	assert.Equal(t, "0xopHash", record.UserOperationHash)
}

func TestAddOperationUsesBundlerEstimate(t *testing.T) {
	f := newFixture(t)
	f.bundler.estimate = &bundler.GasEstimation{
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(2),
		PreVerificationGas:   big.NewInt(3),
	}

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: &recordingAccount{},
	})
	require.NoError(t, err)
	require.Len(t, f.bundler.sent, 1)
	assert.Equal(t, int64(1), f.bundler.sent[0].CallGasLimit.Int64())
	assert.Equal(t, int64(3), f.bundler.sent[0].PreVerificationGas.Int64())
}

func TestAddOperationAppliesPatch(t *testing.T) {
	f := newFixture(t)
	paymaster := "0xB985af5f96EF2722DC99aEBA573520903B86505e"
	gas := "0x5208"

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: &recordingAccount{patch: &userop.Patch{PaymasterAndData: &paymaster, CallGasLimit: &gas}},
	})
	require.NoError(t, err)
	require.Len(t, f.bundler.sent, 1)
	assert.Equal(t, common.FromHex(paymaster), f.bundler.sent[0].PaymasterAndData)
	assert.Equal(t, int64(21000), f.bundler.sent[0].CallGasLimit.Int64())
}

func TestAddOperationPropagatesAccountError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("snap is locked")

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: &recordingAccount{prepareErr: boom},
	})
	assert.Equal(t, boom, err)
	assert.Empty(t, f.bundler.sent)

	records := f.txs.Transactions()
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusFailed, records[0].Status)
}

func TestAddOperationNotifiesAccountOfBundlerRejection(t *testing.T) {
	f := newFixture(t)
	f.bundler.sendErr = errors.New("AA25 invalid account nonce")
	account := &recordingAccount{}

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: account,
	})
	assert.Equal(t, f.bundler.sendErr, err)
	assert.Equal(t, []string{"prepare", "update", "sign", "submission failed"}, account.calls)
	assert.Equal(t, f.bundler.sendErr, account.failedSend)

	records := f.txs.Transactions()
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusFailed, records[0].Status)
}

func TestAddOperationRejectedByApprover(t *testing.T) {
	f := newFixture(t, WithApprover(txengine.ApproverFunc(func(ctx context.Context, r *model.TransactionRecord) error {
		return txengine.ErrUserRejected
	})))
	account := &recordingAccount{}

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:         testutil.TestChainID,
		RequireApproval: true,
		SmartAccount:    account,
	})
	assert.ErrorIs(t, err, txengine.ErrUserRejected)
	assert.Empty(t, account.calls)

	records := f.txs.Transactions()
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusRejected, records[0].Status)
}

func TestAddOperationValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{ChainID: 1, SmartAccount: &recordingAccount{}})
	assert.ErrorIs(t, err, ErrUnknownNetwork)

	_, err = f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{ChainID: testutil.TestChainID})
	assert.ErrorIs(t, err, ErrNoSmartAccount)
}

func TestPollResolvesHash(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: &recordingAccount{},
	})
	require.NoError(t, err)

	// nothing mined yet
	f.engine.pollNetwork(testutil.TestChainID)
	select {
	case <-result.Hash.Done():
		t.Fatal("hash should still be pending")
	default:
	}

	txHash := common.HexToHash(testutil.TestSmartAccountTx)
	f.bundler.setReceipt(&bundler.UserOperationReceipt{
		UserOpHash: "0xopHash",
		Success:    true,
		Receipt:    bundler.ChainReceipt{TransactionHash: txHash},
	})
	f.engine.pollNetwork(testutil.TestChainID)

	hash, err := result.Hash.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, txHash, hash)

	record, err := f.txs.TransactionByHash(txHash)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, result.ID, record.ID)
	assert.Equal(t, model.StatusConfirmed, record.Status)

	// settled operations are no longer polled
	items, err := f.engine.db.GetByPrefix([]byte("uo:p:"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPollRejectsRevertedOperation(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.AddOperationFromTransaction(context.Background(), zeroFeeParams(), AddOptions{
		ChainID:      testutil.TestChainID,
		SmartAccount: &recordingAccount{},
	})
	require.NoError(t, err)

	f.bundler.setReceipt(&bundler.UserOperationReceipt{
		Success: false,
		Reason:  "execution reverted",
		Receipt: bundler.ChainReceipt{TransactionHash: common.HexToHash("0x01")},
	})
	f.engine.pollNetwork(testutil.TestChainID)

	_, err = result.Hash.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReverted)
}

func TestStartPollingForNetworkIsIdempotent(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.engine.IsPolling(testutil.TestChainID))
	f.engine.StartPollingForNetwork(testutil.TestChainID)
	f.engine.StartPollingForNetwork(testutil.TestChainID)
	assert.True(t, f.engine.IsPolling(testutil.TestChainID))
	assert.Len(t, f.engine.scheduler.Jobs(), 1)
}
