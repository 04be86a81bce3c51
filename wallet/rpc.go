package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/txdispatch"
	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/model"
)

// JSON-RPC and EIP-1193 error codes
const (
	rpcUserRejected   = 4001
	rpcUnauthorized   = 4100
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternal       = -32603
)

type RpcRequest struct {
	JsonRpc string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type RpcResponse struct {
	JsonRpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
}

// handleRpc serves the dapp facing provider methods. The chain is taken from
// the chain_id query parameter and defaults to the first configured network.
// The dapp origin is read from the Origin header.
func (w *Wallet) handleRpc(c echo.Context) error {
	var req RpcRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, rpcFailure(nil, rpcInvalidRequest, err.Error()))
	}

	chainID, err := w.requestChainID(c)
	if err != nil {
		return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcInvalidParams, err.Error()))
	}

	switch req.Method {
	case "eth_chainId":
		return c.JSON(http.StatusOK, rpcSuccess(req.ID, hexutil.EncodeUint64(chainID)))
	case "eth_accounts", "eth_requestAccounts":
		addresses := lo.Map(w.keys.Accounts(), func(a model.Account, _ int) string {
			return a.Address.Hex()
		})
		return c.JSON(http.StatusOK, rpcSuccess(req.ID, addresses))
	case "eth_sendTransaction":
		return w.rpcSendTransaction(c, chainID, &req)
	}

	return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcMethodNotFound, "method "+req.Method+" is not supported"))
}

func (w *Wallet) rpcSendTransaction(c echo.Context, chainID uint64, req *RpcRequest) error {
	if len(req.Params) != 1 {
		return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcInvalidParams, "eth_sendTransaction takes one parameter"))
	}

	var params model.TxParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcInvalidParams, err.Error()))
	}
	if !common.IsHexAddress(params.From) {
		return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcInvalidParams, "invalid from address"))
	}
	account, ok := w.keys.Account(common.HexToAddress(params.From))
	if !ok {
		return c.JSON(http.StatusOK, rpcFailure(req.ID, rpcUnauthorized, "from account is not managed by this wallet"))
	}

	hash, err := w.dispatcher.AddDappTransaction(c.Request().Context(), txdispatch.DappRequest{
		ChainID:  chainID,
		Account:  account,
		Params:   &params,
		ActionID: string(req.ID),
		Method:   req.Method,
		Origin:   c.Request().Header.Get(echo.HeaderOrigin),
	})
	if err != nil {
		w.logger.Info("eth_sendTransaction failed", "chain_id", chainID, "from", params.From, "error", err)
		code, message := rpcErrorFor(err)
		return c.JSON(http.StatusOK, rpcFailure(req.ID, code, message))
	}
	return c.JSON(http.StatusOK, rpcSuccess(req.ID, hash))
}

func (w *Wallet) requestChainID(c echo.Context) (uint64, error) {
	raw := c.QueryParam("chain_id")
	if raw == "" {
		return w.config.Networks[0].ChainID, nil
	}
	chainID, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return 0, errors.New("invalid chain_id " + raw)
	}
	if _, ok := w.config.Network(chainID); !ok {
		return 0, errors.New("chain " + raw + " is not configured")
	}
	return chainID, nil
}

func rpcErrorFor(err error) (int, string) {
	switch {
	case errors.Is(err, txengine.ErrUserRejected):
		return rpcUserRejected, err.Error()
	case errors.Is(err, txengine.ErrInvalidParams),
		errors.Is(err, txengine.ErrUnknownNetwork),
		errors.Is(err, useropengine.ErrUnknownNetwork),
		errors.Is(err, txdispatch.ErrInvalidRequest):
		return rpcInvalidParams, err.Error()
	}
	return rpcInternal, InternalError
}

func rpcSuccess(id json.RawMessage, result any) *RpcResponse {
	return &RpcResponse{JsonRpc: "2.0", ID: id, Result: result}
}

func rpcFailure(id json.RawMessage, code int, message string) *RpcResponse {
	return &RpcResponse{JsonRpc: "2.0", ID: id, Error: &RpcError{Code: code, Message: message}}
}
