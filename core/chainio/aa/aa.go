// Package aa packs the contract calls a SimpleAccount style smart wallet
// needs: execute calldata, factory init code and EntryPoint nonce lookups.
package aa

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const simpleAccountABIJSON = `[
{"type":"function","name":"execute","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
{"type":"function","name":"executeBatchWithValues","inputs":[{"name":"dest","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

const factoryABIJSON = `[
{"type":"function","name":"createAccount","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]}
]`

const entrypointABIJSON = `[
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	simpleAccountABI = mustABI(simpleAccountABIJSON)
	factoryABI       = mustABI(factoryABIJSON)
	entrypointABI    = mustABI(entrypointABIJSON)

	DefaultSalt = big.NewInt(0)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("invalid ABI: %w", err))
	}
	return parsed
}

// Call is one contract call made from the smart wallet
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// PackExecute generates calldata for a single call
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	return simpleAccountABI.Pack("execute", target, value, calldata)
}

// PackCalls picks execute for one call and executeBatchWithValues for more
func PackCalls(calls []Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, fmt.Errorf("no calls to pack")
	case 1:
		return PackExecute(calls[0].To, calls[0].Value, calls[0].Data)
	}

	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, c := range calls {
		targets[i] = c.To
		values[i] = c.Value
		data[i] = c.Data
	}
	return simpleAccountABI.Pack("executeBatchWithValues", targets, values, data)
}

// GetInitCode returns factory address followed by createAccount(owner, salt)
func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = DefaultSalt
	}
	calldata, err := factoryABI.Pack("createAccount", owner, salt)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, common.AddressLength+len(calldata))
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

// PackGetNonce builds EntryPoint.getNonce(sender, key) calldata
func PackGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	if key == nil {
		key = DefaultSalt
	}
	return entrypointABI.Pack("getNonce", sender, key)
}

func UnpackNonce(output []byte) (*big.Int, error) {
	values, err := entrypointABI.Unpack("getNonce", output)
	if err != nil {
		return nil, err
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce output %T", values[0])
	}
	return nonce, nil
}
