package bundler

import (
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// NonceManager tracks the next nonce per smart account so back to back
// user operations do not collide while earlier ones sit in the bundler
// mempool. It combines the EntryPoint nonce with what was signed locally.
type NonceManager struct {
	// Key: sender address hex, Value: next nonce to use
	pendingNonces map[string]*big.Int
	mu            sync.Mutex
	logger        sdklogging.Logger
}

func NewNonceManager(lgr sdklogging.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[string]*big.Int),
		logger:        logger.EnsureLogger(lgr),
	}
}

// GetNextNonce returns max(on-chain nonce, cached pending nonce).
func (nm *NonceManager) GetNextNonce(
	sender common.Address,
	onChainNonceFetcher func() (*big.Int, error),
) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	onChainNonce, err := onChainNonceFetcher()
	if err != nil {
		return nil, err
	}

	cachedNonce, hasCached := nm.pendingNonces[sender.Hex()]
	if !hasCached || onChainNonce.Cmp(cachedNonce) > 0 {
		// on-chain advanced: pending ops were mined or dropped
		return new(big.Int).Set(onChainNonce), nil
	}

	nm.logger.Debug("using cached nonce", "sender", sender.Hex(), "cached", cachedNonce.String(), "onchain", onChainNonce.String())
	return new(big.Int).Set(cachedNonce), nil
}

// IncrementNonce records that currentNonce has been consumed by sender.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	next := new(big.Int).Add(currentNonce, big.NewInt(1))
	if cached, ok := nm.pendingNonces[sender.Hex()]; ok && cached.Cmp(next) > 0 {
		return
	}
	nm.pendingNonces[sender.Hex()] = next
}

// ResetNonce clears the cached nonce for a sender, forcing the next GetNextNonce
// to use fresh state from the chain. Use this when nonce conflicts occur.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, sender.Hex())
}

// GetCachedNonce returns the cached nonce for a sender without fetching from chain.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonce, exists := nm.pendingNonces[sender.Hex()]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}
