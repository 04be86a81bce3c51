package testutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const (
	// well known anvil dev key #0, never holds real funds
	TestOwnerPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	TestChainID uint64 = 11155111
)

var (
	TestEntrypoint     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	TestFactory        = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
	TestSmartAccount   = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	TestRecipient      = common.HexToAddress("0xe0f7d11fd714674722d325cd86062a5f1882e13a")
	TestSmartAccountTx = "0x0000000000000000000000000000000000000000000000000000000000000bb1"
)

func GetTestRPCURL() string {
	v := os.Getenv("RPC_URL")
	if v == "" {
		return "https://sepolia.drpc.org"
	}

	return v
}

// Shortcut to initialize an in memory storage, panic if we cannot create db
func TestMustDB() storage.Storage {
	db, err := storage.NewInMemory()
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func TestOwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(TestOwnerPrivateKey)
	if err != nil {
		panic(err)
	}
	return key
}

func TestEOAAccount() model.Account {
	return model.Account{
		Address: crypto.PubkeyToAddress(TestOwnerKey().PublicKey),
		Type:    model.EOAAccountType,
	}
}

func TestSmartContractAccount() model.Account {
	return model.Account{
		Address: TestSmartAccount,
		Type:    model.ERC4337AccountType,
	}
}

// FakeChainClient answers the calls the engines make with fixed values and
// records broadcast transactions. It also serves the contract calls the
// keyring makes through CallContract and CodeAt.
type FakeChainClient struct {
	mu sync.Mutex

	Nonce    uint64
	GasLimit uint64
	Tip      *big.Int
	BaseFee  *big.Int
	Code     map[common.Address][]byte
	// returned verbatim by CallContract
	CallResult []byte

	SendErr error
	Sent    []*types.Transaction
	Calls   []ethereum.CallMsg
}

func NewFakeChainClient() *FakeChainClient {
	return &FakeChainClient{
		GasLimit: 21000,
		Tip:      big.NewInt(1_000_000_000),
		BaseFee:  big.NewInt(10_000_000_000),
		Code:     map[common.Address][]byte{},
	}
}

func (c *FakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.Nonce, nil
}

func (c *FakeChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.GasLimit, nil
}

func (c *FakeChainClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.Tip, nil
}

func (c *FakeChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: c.BaseFee}, nil
}

func (c *FakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, tx)
	return nil
}

func (c *FakeChainClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Code[account], nil
}

func (c *FakeChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, msg)
	return c.CallResult, nil
}

func (c *FakeChainClient) SentTransactions() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction{}, c.Sent...)
}
