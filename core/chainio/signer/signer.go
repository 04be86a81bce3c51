package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// PrivateKeyFromHex accepts keys with or without the 0x prefix
func PrivateKeyFromHex(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	prefixedData := append(prefix, data...)
	hash := crypto.Keccak256Hash(prefixedData)
	sig, e := crypto.Sign(hash.Bytes(), key)
	if e != nil {
		return nil, e
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, e := SignMessage(key, data)
	if e == nil {
		return common.Bytes2Hex(signature), nil
	}

	return "", e
}

// SignUserOperation signs the userOpHash the way SimpleAccount validates it,
// as an EIP191 personal message.
func SignUserOperation(key *ecdsa.PrivateKey, op *userop.UserOperation, entrypoint common.Address, chainID *big.Int) ([]byte, error) {
	hash := op.GetUserOpHash(entrypoint, chainID)
	return SignMessage(key, hash.Bytes())
}

// RecoverMessageSigner returns the address that produced an EIP191 signature over data
func RecoverMessageSigner(data, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := append([]byte{}, signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	hash := crypto.Keccak256Hash(append(prefix, data...))
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
