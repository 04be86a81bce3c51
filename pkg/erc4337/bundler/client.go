// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

var (
	// ErrNoResult is returned when the bundler answers without result and error
	ErrNoResult = errors.New("missing result in JSON-RPC response")
)

// safePreview returns a truncated preview of s with ellipsis when longer than n
func safePreview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type jsonRpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

type jsonRpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRpcError   `json:"error"`
}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	http   *resty.Client
	rpc    *rpc.Client
	url    string
	nextID atomic.Uint64
	logger sdklogging.Logger
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
func NewBundlerClient(url string, lgr sdklogging.Logger) (*BundlerClient, error) {
	// Use DialHTTP instead of Dial as it is more compatible with HTTP-based bundler
	// endpoints. The rpc client is only used as a fallback for sends.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(url).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")

	return &BundlerClient{
		http:   httpClient,
		rpc:    c,
		url:    url,
		logger: logger.EnsureLogger(lgr).With("component", "bundler", "url", url),
	}, nil
}

func (bc *BundlerClient) URL() string {
	return bc.url
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.rpc.Close()
}

// call performs a JSON-RPC request over plain HTTP and decodes result into out
func (bc *BundlerClient) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	req := jsonRpcRequest{
		JSONRPC: "2.0",
		ID:      bc.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, err := bc.http.R().SetContext(ctx).SetBody(req).Post("")
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}

	bc.logger.Debug("bundler response", "method", method, "status", resp.StatusCode(), "body", safePreview(resp.String(), 200))

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%d %s: %s", resp.StatusCode(), http.StatusText(resp.StatusCode()), resp.String())
	}

	var rpcResp jsonRpcResponse
	if err := json.Unmarshal(resp.Body(), &rpcResp); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return ErrNoResult
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// SendUserOperation sends a UserOperation to the bundler and returns the user operation hash.
func (bc *BundlerClient) SendUserOperation(
	ctx context.Context,
	op *userop.UserOperation,
	entrypoint common.Address,
) (string, error) {
	uo := toWire(op)
	bc.logger.Debug("eth_sendUserOperation",
		"sender", uo.Sender.Hex(),
		"nonce", uo.Nonce,
		"callData", safePreview(uo.CallData, 50),
		"entrypoint", entrypoint.Hex())

	var opHash string
	err := bc.call(ctx, &opHash, "eth_sendUserOperation", uo, entrypoint.Hex())
	if err == nil {
		return opHash, nil
	}

	// A JSON-RPC error is a real rejection, only transport failures retry through rpc
	var rpcErr *jsonRpcError
	if errors.As(err, &rpcErr) {
		return "", err
	}

	bc.logger.Warn("HTTP SendUserOperation failed, trying RPC fallback", "error", err)
	if err := bc.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", uo, entrypoint.Hex()); err != nil {
		return "", err
	}
	return opHash, nil
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the bundler but must have a valid length.
func (bc *BundlerClient) EstimateUserOperationGas(
	ctx context.Context,
	op *userop.UserOperation,
	entrypoint common.Address,
) (*GasEstimation, error) {
	var result gasEstimationResult
	if err := bc.call(ctx, &result, "eth_estimateUserOperationGas", toWire(op), entrypoint.Hex()); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas RPC response error: %w", err)
	}

	return result.decode()
}

// GetUserOperationReceipt fetches the receipt of a UserOperation. A nil
// receipt and nil error means the operation is not bundled yet.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash string) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := bc.call(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		if errors.Is(err, ErrNoResult) {
			return nil, nil
		}
		return nil, err
	}
	return receipt, nil
}
