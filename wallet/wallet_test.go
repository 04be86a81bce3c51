package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/keyring"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/core/txdispatch"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/model"
)

type fixture struct {
	wallet *Wallet
	client *testutil.FakeChainClient
}

func newFixture(t *testing.T, approvedOrigins ...string) *fixture {
	t.Helper()
	return newFixtureWith(t, func(c *config.Config) { c.ApprovedOrigins = approvedOrigins })
}

func newFixtureWith(t *testing.T, configure func(c *config.Config)) *fixture {
	t.Helper()

	c := &config.Config{
		Logger:          testutil.GetLogger(),
		DbPath:          t.TempDir(),
		HttpBindAddress: "localhost:0",
		PollInterval:    config.DefaultPollInterval,
		Networks: []config.Network{{
			ChainID:    testutil.TestChainID,
			RpcUrl:     "http://rpc.test",
			BundlerUrl: "http://bundler.test",
			Entrypoint: testutil.TestEntrypoint,
		}},
		EOAKeys: []string{testutil.TestOwnerPrivateKey},
		SmartAccounts: []config.SmartAccount{{
			Address: testutil.TestSmartAccount,
			Owner:   testutil.TestEOAAccount().Address,
			Factory: testutil.TestFactory,
		}},
	}

	configure(c)

	client := testutil.NewFakeChainClient()
	w, err := New(c,
		WithStorage(testutil.TestMustDB()),
		WithChainClients(map[uint64]ChainClient{testutil.TestChainID: client}),
		WithBundlerDialer(func(url string) (useropengine.Bundler, error) {
			return nil, errors.New("no bundler in tests")
		}))
	require.NoError(t, err)
	t.Cleanup(func() { w.Shutdown() })

	return &fixture{wallet: w, client: client}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.wallet.http.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) rpc(t *testing.T, body string, headers ...string) RpcResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/rpc", body, headers...)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestUpReflectsStatus(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/up", "").Code)

	f.wallet.status.Store(runningStatus)
	rec := f.do(t, http.MethodGet, "/up", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", rec.Body.String())
}

func TestListAccounts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HttpJsonResp[[]model.Account]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)

	types := map[model.AccountType]bool{}
	for _, a := range resp.Data {
		types[a.Type] = true
	}
	assert.True(t, types[model.EOAAccountType])
	assert.True(t, types[model.ERC4337AccountType])
}

func TestRpcChainID(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, hexutil.EncodeUint64(testutil.TestChainID), resp.Result)
	assert.Equal(t, "1", string(resp.ID))
}

func TestRpcRejectsUnknownChainAndMethod(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`)
	require.Nil(t, resp.Error)

	rec := f.do(t, http.MethodPost, "/rpc?chain_id=1", `{"jsonrpc":"2.0","id":2,"method":"eth_chainId"}`)
	var resp2 RpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp2))
	require.NotNil(t, resp2.Error)
	assert.Equal(t, rpcInvalidParams, resp2.Error.Code)

	resp = f.rpc(t, `{"jsonrpc":"2.0","id":3,"method":"eth_sign","params":[]}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}

func TestRpcSendTransaction(t *testing.T) {
	f := newFixture(t)
	from := testutil.TestEOAAccount().Address.Hex()

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":7,"method":"eth_sendTransaction","params":[{"from":"`+from+`","to":"`+testutil.TestRecipient.Hex()+`","value":"0x1"}]}`,
		echo.HeaderOrigin, "https://app.uniswap.org")
	require.Nil(t, resp.Error)

	sent := f.client.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash().Hex(), resp.Result)

	records := f.wallet.txs.Transactions()
	require.Len(t, records, 1)
	assert.Equal(t, "https://app.uniswap.org", records[0].Origin)
	assert.Equal(t, "eth_sendTransaction", records[0].Method)
	assert.Equal(t, "7", records[0].ActionID)
}

func TestRpcSendTransactionUnknownAccount(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"0x000000000000000000000000000000000000dEaD","value":"0x1"}]}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcUnauthorized, resp.Error.Code)

	resp = f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[]}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcInvalidParams, resp.Error.Code)
	assert.Empty(t, f.client.SentTransactions())
}

func TestRpcSendTransactionRejectedOrigin(t *testing.T) {
	f := newFixture(t, "https://app.uniswap.org")
	from := testutil.TestEOAAccount().Address.Hex()

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"`+from+`","value":"0x1"}]}`,
		echo.HeaderOrigin, "https://evil.example")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcUserRejected, resp.Error.Code)
	assert.Empty(t, f.client.SentTransactions())
}

func TestSubmitAndFetchTransaction(t *testing.T) {
	f := newFixture(t)
	from := testutil.TestEOAAccount().Address.Hex()

	body := `{"chain_id":11155111,"wait":true,"require_approval":false,"type":"simpleSend","params":{"from":"` + from + `","to":"` + testutil.TestRecipient.Hex() + `","value":"0xde0b6b3a7640000"}}`
	rec := f.do(t, http.MethodPost, "/transactions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created HttpJsonResp[*model.TransactionRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotNil(t, created.Data)
	require.NotNil(t, created.Data.Hash)
	assert.Equal(t, model.SimpleSendType, created.Data.Type)

	rec = f.do(t, http.MethodGet, "/transactions/"+created.Data.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched HttpJsonResp[*model.TransactionRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.Data.ID, fetched.Data.ID)

	rec = f.do(t, http.MethodGet, "/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed HttpJsonResp[[]*model.TransactionRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Data, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/transactions/missing", "").Code)
}

func TestSubmitTransactionValidation(t *testing.T) {
	f := newFixture(t)
	from := testutil.TestEOAAccount().Address.Hex()

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/transactions", `{"params":{"from":"`+from+`"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/transactions", `{"chain_id":11155111,"params":{"from":"nope"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/transactions", `{"chain_id":1,"params":{"from":"`+from+`"}}`).Code)
}

func TestSubmitTransactionWithOriginIsApproved(t *testing.T) {
	f := newFixture(t, "https://app.uniswap.org")
	from := testutil.TestEOAAccount().Address.Hex()

	body := `{"chain_id":11155111,"wait":true,"require_approval":false,"origin":"https://evil.example","params":{"from":"` + from + `","value":"0x1"}}`
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/transactions", body).Code)

	body = `{"chain_id":11155111,"wait":true,"require_approval":false,"params":{"from":"` + from + `","value":"0x1"}}`
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/transactions", body, echo.HeaderOrigin, "https://evil.example").Code)
	assert.Empty(t, f.client.SentTransactions())

	body = `{"chain_id":11155111,"wait":true,"require_approval":false,"origin":"https://app.uniswap.org","params":{"from":"` + from + `","value":"0x1"}}`
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/transactions", body).Code)
	assert.Len(t, f.client.SentTransactions(), 1)
}

func TestRpcSendTransactionLeadingZeroQuantities(t *testing.T) {
	f := newFixture(t)
	from := testutil.TestEOAAccount().Address.Hex()

	resp := f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"`+from+`","to":"`+testutil.TestRecipient.Hex()+`","value":"0x01","gas":"0x05208"}]}`)
	require.Nil(t, resp.Error)

	sent := f.client.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(1), sent[0].Value().Int64())
	assert.Equal(t, uint64(21000), sent[0].Gas())
}

func TestMetricsAreServed(t *testing.T) {
	f := newFixture(t)
	from := testutil.TestEOAAccount().Address.Hex()

	f.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"`+from+`","value":"0x1"}]}`)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ap_wallet_num_submissions_total{strategy="eoa"} 1`)
}

func TestStartAndShutdown(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	f := newFixtureWith(t, func(c *config.Config) {
		c.BackupDir = backupDir
		c.BackupInterval = 20 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.wallet.Start(ctx) }()

	require.Eventually(t, func() bool { return f.wallet.Status() == runningStatus }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.wallet.userops.IsPolling(testutil.TestChainID))
	require.Eventually(t, func() bool {
		files, err := filepath.Glob(filepath.Join(backupDir, "*", "*"))
		return err == nil && len(files) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("wallet did not stop")
	}
	assert.Equal(t, shutdownStatus, f.wallet.Status())
	assert.NoError(t, f.wallet.Shutdown())
}

func TestSendFromWallet(t *testing.T) {
	f := newFixture(t)

	record, err := f.wallet.Send(context.Background(), 0, &model.TxParams{
		From:  testutil.TestEOAAccount().Address.Hex(),
		To:    testutil.TestRecipient.Hex(),
		Value: "0x1",
	}, txdispatch.Options{})
	require.NoError(t, err)
	require.NotNil(t, record.Hash)
	assert.Equal(t, testutil.TestChainID, record.ChainID)
	assert.Empty(t, record.Origin)

	_, err = f.wallet.Send(context.Background(), 0, &model.TxParams{From: "0x000000000000000000000000000000000000dEaD"}, txdispatch.Options{})
	assert.ErrorIs(t, err, keyring.ErrUnknownAccount)
}
