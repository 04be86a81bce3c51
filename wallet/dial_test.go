package wallet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/config"
)

// chainIDServer answers eth_chainId with chainID
func chainIDServer(t *testing.T, chainID uint64) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%x"}`, req.ID, chainID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialNetworks(t *testing.T) {
	sepolia := chainIDServer(t, 11155111)
	base := chainIDServer(t, 8453)

	clients, err := dialNetworks(&config.Config{Networks: []config.Network{
		{ChainID: 11155111, RpcUrl: sepolia.URL},
		{ChainID: 8453, RpcUrl: base.URL},
	}})
	require.NoError(t, err)
	assert.Len(t, clients, 2)
	assert.Contains(t, clients, uint64(8453))
}

func TestDialNetworksRejectsWrongChain(t *testing.T) {
	srv := chainIDServer(t, 1)

	_, err := dialNetworks(&config.Config{Networks: []config.Network{
		{ChainID: 11155111, RpcUrl: srv.URL},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serves chain 1")
}
