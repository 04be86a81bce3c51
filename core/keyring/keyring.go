// Package keyring holds the wallet's private keys. It signs plain
// transactions for EOA accounts and builds, patches and signs user
// operations for the SimpleAccount smart accounts those keys own.
package keyring

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

var (
	// bundler estimation is unreliable for undeployed accounts, these are the
	// limits handed out in the skeleton
	DefaultCallGasLimit         = big.NewInt(200000)
	DefaultVerificationGasLimit = big.NewInt(1000000)
	DefaultPreVerificationGas   = big.NewInt(50000)
	// deployment runs the factory inside validation
	DeploymentVerificationGasLimit = big.NewInt(3000000)

	// a well formed 65 byte signature so ecrecover in validateUserOp does
	// not revert during estimation
	dummySignature = "0xffffffffffffffffffffffffffffffff000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c"
)

// ChainReader is the read access a network needs for building user operations.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Network struct {
	ChainID    uint64
	Entrypoint common.Address
	Bundler    string
	Client     ChainReader
}

// SmartAccount describes a SimpleAccount deployed, or to be deployed, by
// Factory for Owner with Salt.
type SmartAccount struct {
	Address common.Address
	Owner   common.Address
	Factory common.Address
	Salt    *big.Int
}

type Keyring struct {
	mu       sync.RWMutex
	keys     map[common.Address]*ecdsa.PrivateKey
	smart    map[common.Address]SmartAccount
	networks map[uint64]Network

	// one cache per chain, entrypoint nonces are independent across networks
	nonces map[uint64]*bundler.NonceManager
	logger sdklogging.Logger
}

func New(networks []Network, lgr sdklogging.Logger) *Keyring {
	k := &Keyring{
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		smart:    make(map[common.Address]SmartAccount),
		networks: lo.KeyBy(networks, func(n Network) uint64 { return n.ChainID }),
		nonces:   make(map[uint64]*bundler.NonceManager, len(networks)),
		logger:   logger.Component(lgr, "keyring"),
	}
	for _, n := range networks {
		k.nonces[n.ChainID] = bundler.NewNonceManager(lgr)
	}
	return k
}

// AddKey imports a hex private key as an EOA account
func (k *Keyring) AddKey(privateKeyHex string) (model.Account, error) {
	key, err := signer.PrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	k.mu.Lock()
	k.keys[address] = key
	k.mu.Unlock()

	k.logger.Info("imported key", "address", address.Hex())
	return model.Account{Address: address, Type: model.EOAAccountType}, nil
}

// AddSmartAccount registers a smart account. Its owner key must already be in
// the keyring.
func (k *Keyring) AddSmartAccount(sa SmartAccount) (model.Account, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.keys[sa.Owner]; !ok {
		return model.Account{}, fmt.Errorf("%w: owner %s", ErrUnknownAccount, sa.Owner.Hex())
	}
	if sa.Salt == nil {
		sa.Salt = aa.DefaultSalt
	}
	k.smart[sa.Address] = sa

	k.logger.Info("registered smart account", "address", sa.Address.Hex(), "owner", sa.Owner.Hex())
	return model.Account{Address: sa.Address, Type: model.ERC4337AccountType}, nil
}

// Accounts lists every account sorted by address
func (k *Keyring) Accounts() []model.Account {
	k.mu.RLock()
	defer k.mu.RUnlock()

	accounts := make([]model.Account, 0, len(k.keys)+len(k.smart))
	for address := range k.keys {
		accounts = append(accounts, model.Account{Address: address, Type: model.EOAAccountType})
	}
	for address := range k.smart {
		accounts = append(accounts, model.Account{Address: address, Type: model.ERC4337AccountType})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.Cmp(accounts[j].Address) < 0
	})
	return accounts
}

func (k *Keyring) Account(address common.Address) (model.Account, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if _, ok := k.smart[address]; ok {
		return model.Account{Address: address, Type: model.ERC4337AccountType}, true
	}
	if _, ok := k.keys[address]; ok {
		return model.Account{Address: address, Type: model.EOAAccountType}, true
	}
	return model.Account{}, false
}

// SignTx signs tx with the EOA key of from
func (k *Keyring) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.mu.RLock()
	key, ok := k.keys[from]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

func (k *Keyring) lookup(chainID uint64, address common.Address) (Network, SmartAccount, *ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	network, ok := k.networks[chainID]
	if !ok {
		return Network{}, SmartAccount{}, nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, chainID)
	}
	sa, ok := k.smart[address]
	if !ok {
		return Network{}, SmartAccount{}, nil, fmt.Errorf("%w: smart account %s", ErrUnknownAccount, address.Hex())
	}
	return network, sa, k.keys[sa.Owner], nil
}

// PrepareUserOperation builds the unsigned skeleton for calls sent from the
// smart account at address. The answer is JSON shaped.
func (k *Keyring) PrepareUserOperation(ctx context.Context, chainID uint64, address common.Address, calls []model.Call) (map[string]any, error) {
	network, sa, _, err := k.lookup(chainID, address)
	if err != nil {
		return nil, err
	}

	packed := make([]aa.Call, len(calls))
	for i, c := range calls {
		value, err := model.HexToBig(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: call %d value: %v", ErrInvalidCall, i, err)
		}
		if c.To != "" && !common.IsHexAddress(c.To) {
			return nil, fmt.Errorf("%w: call %d to %q", ErrInvalidCall, i, c.To)
		}
		packed[i] = aa.Call{To: common.HexToAddress(c.To), Value: value, Data: common.FromHex(c.Data)}
	}
	callData, err := aa.PackCalls(packed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}

	code, err := network.Client.CodeAt(ctx, sa.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read account code: %w", err)
	}

	initCode := []byte{}
	verificationGasLimit := DefaultVerificationGasLimit
	if len(code) == 0 {
		initCode, err = aa.GetInitCode(sa.Factory, sa.Owner, sa.Salt)
		if err != nil {
			return nil, err
		}
		verificationGasLimit = DeploymentVerificationGasLimit
	}

	nonce, err := k.nonces[chainID].GetNextNonce(sa.Address, func() (*big.Int, error) {
		return k.entrypointNonce(ctx, network, sa.Address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read entrypoint nonce: %w", err)
	}

	return map[string]any{
		"callData": hexutil.Encode(callData),
		"initCode": hexutil.Encode(initCode),
		"nonce":    hexutil.EncodeBig(nonce),
		"gasLimits": map[string]any{
			"callGasLimit":         hexutil.EncodeBig(DefaultCallGasLimit),
			"verificationGasLimit": hexutil.EncodeBig(verificationGasLimit),
			"preVerificationGas":   hexutil.EncodeBig(DefaultPreVerificationGas),
		},
		"dummySignature":        dummySignature,
		"dummyPaymasterAndData": "0x",
		"bundlerUrl":            network.Bundler,
	}, nil
}

func (k *Keyring) entrypointNonce(ctx context.Context, network Network, sender common.Address) (*big.Int, error) {
	calldata, err := aa.PackGetNonce(sender, nil)
	if err != nil {
		return nil, err
	}
	entrypoint := network.Entrypoint
	out, err := network.Client.CallContract(ctx, ethereum.CallMsg{To: &entrypoint, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}
	return aa.UnpackNonce(out)
}

// PatchUserOperation has no paymaster to add, the operation pays for itself
func (k *Keyring) PatchUserOperation(ctx context.Context, chainID uint64, address common.Address, op *userop.UserOperation) (*userop.Patch, error) {
	if _, _, _, err := k.lookup(chainID, address); err != nil {
		return nil, err
	}
	empty := "0x"
	return &userop.Patch{PaymasterAndData: &empty}, nil
}

// SignUserOperation signs op with the smart account owner key. The nonce is
// then considered consumed for the next skeleton.
func (k *Keyring) SignUserOperation(ctx context.Context, chainID uint64, address common.Address, op *userop.UserOperation) ([]byte, error) {
	network, sa, key, err := k.lookup(chainID, address)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: owner %s", ErrUnknownAccount, sa.Owner.Hex())
	}
	if op.Sender != sa.Address {
		return nil, fmt.Errorf("%w: sender %s is not %s", ErrInvalidCall, op.Sender.Hex(), sa.Address.Hex())
	}

	sig, err := signer.SignUserOperation(key, op, network.Entrypoint, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, err
	}
	if op.Nonce != nil {
		k.nonces[chainID].IncrementNonce(sa.Address, op.Nonce)
	}
	return sig, nil
}

// ResetNonce forgets the nonces consumed locally by address on chainID. The
// next skeleton reads the EntryPoint nonce again.
func (k *Keyring) ResetNonce(chainID uint64, address common.Address) {
	if nm, ok := k.nonces[chainID]; ok {
		nm.ResetNonce(address)
		k.logger.Info("reset cached nonce", "chain_id", chainID, "address", address.Hex())
	}
}
