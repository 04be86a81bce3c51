package txengine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/model"
)

type keySigner struct{}

func (keySigner) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), testutil.TestOwnerKey())
}

func newTestEngine(t *testing.T, client *testutil.FakeChainClient, opts ...Option) *Engine {
	t.Helper()
	db := testutil.TestMustDB()
	t.Cleanup(func() { db.Close() })

	e, err := New(db, keySigner{}, map[uint64]ChainClient{testutil.TestChainID: client}, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func eoaParams() *model.TxParams {
	return &model.TxParams{
		From:  testutil.TestEOAAccount().Address.Hex(),
		To:    testutil.TestRecipient.Hex(),
		Value: "0x1",
		Data:  "0x",
	}
}

func TestAddTransactionBroadcasts(t *testing.T) {
	client := testutil.NewFakeChainClient()
	client.Nonce = 7
	e := newTestEngine(t, client)

	params := eoaParams()
	params.MaxFeePerGas = "0x5"
	params.MaxPriorityFeePerGas = "0x2"

	result, err := e.AddTransaction(context.Background(), params, AddOptions{
		ChainID: testutil.TestChainID,
		Origin:  "https://app.uniswap.org",
		Type:    model.SimpleSendType,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnapproved, result.Record.Status)
	assert.Equal(t, "https://app.uniswap.org", result.Record.Origin)

	hash, err := result.Result.Wait(context.Background())
	require.NoError(t, err)

	sent := client.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, hash, sent[0].Hash())
	assert.Equal(t, uint64(7), sent[0].Nonce())
	// caller fees are preserved
	assert.Equal(t, int64(5), sent[0].GasFeeCap().Int64())
	assert.Equal(t, int64(2), sent[0].GasTipCap().Int64())

	record, err := e.TransactionByHash(hash)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, result.Record.ID, record.ID)
	assert.Equal(t, model.StatusSubmitted, record.Status)
}

func TestAddTransactionSuggestsMissingFees(t *testing.T) {
	client := testutil.NewFakeChainClient()
	e := newTestEngine(t, client)

	result, err := e.AddTransaction(context.Background(), eoaParams(), AddOptions{ChainID: testutil.TestChainID})
	require.NoError(t, err)
	_, err = result.Result.Wait(context.Background())
	require.NoError(t, err)

	sent := client.SentTransactions()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].GasFeeCap().Sign() > 0)
	assert.Equal(t, uint64(21000), sent[0].Gas())
}

func TestAddTransactionRejectedByApprover(t *testing.T) {
	client := testutil.NewFakeChainClient()
	e := newTestEngine(t, client, WithApprover(OriginAllowlist{"https://trusted.example": true}))

	result, err := e.AddTransaction(context.Background(), eoaParams(), AddOptions{
		ChainID:         testutil.TestChainID,
		Origin:          "https://evil.example",
		RequireApproval: true,
	})
	require.NoError(t, err)

	_, err = result.Result.Wait(context.Background())
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.Empty(t, client.SentTransactions())

	record, err := e.TransactionByID(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, record.Status)
}

func TestAddTransactionBroadcastFailure(t *testing.T) {
	client := testutil.NewFakeChainClient()
	client.SendErr = errors.New("nonce too low")
	e := newTestEngine(t, client)

	result, err := e.AddTransaction(context.Background(), eoaParams(), AddOptions{ChainID: testutil.TestChainID})
	require.NoError(t, err)

	_, err = result.Result.Wait(context.Background())
	assert.EqualError(t, err, "nonce too low")

	record, err := e.TransactionByID(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)
	assert.Equal(t, "nonce too low", record.Error)
}

func TestAddTransactionValidation(t *testing.T) {
	e := newTestEngine(t, testutil.NewFakeChainClient())

	_, err := e.AddTransaction(context.Background(), &model.TxParams{From: "nope"}, AddOptions{ChainID: testutil.TestChainID})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = e.AddTransaction(context.Background(), eoaParams(), AddOptions{ChainID: 1})
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestTrackAndLookup(t *testing.T) {
	e := newTestEngine(t, testutil.NewFakeChainClient())

	first := model.NewTransactionRecord(testutil.TestChainID, eoaParams())
	second := model.NewTransactionRecord(testutil.TestChainID, eoaParams())
	require.NoError(t, e.Track(second))
	require.NoError(t, e.Track(first))

	records := e.Transactions()
	require.Len(t, records, 2)
	assert.True(t, records[0].ID < records[1].ID)

	hash := common.HexToHash("0xfeed")
	require.NoError(t, e.UpdateStatus(first.ID, model.StatusConfirmed, &hash, ""))

	found, err := e.TransactionByHash(hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, model.StatusConfirmed, found.Status)

	missing, err := e.TransactionByHash(common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, e.UpdateStatus("unknown", model.StatusFailed, nil, "x"), ErrNotFound)
}
