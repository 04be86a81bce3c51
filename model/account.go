package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// AccountType is the keyring account type tag. The set is closed, new tags
// must be added here before a keyring can hand them out.
type AccountType string

const (
	EOAAccountType           AccountType = "eip155:eoa"
	ERC4337AccountType       AccountType = "eip155:erc4337"
	BitcoinP2WPKHAccountType AccountType = "bip122:p2wpkh"
	SolanaDataAccountType    AccountType = "solana:data-account"
)

// Account is the signing account selected for a submission. It is owned by
// the keyring, the dispatcher only reads it.
type Account struct {
	Address common.Address `json:"address"`
	Type    AccountType    `json:"type"`
}

func (a *Account) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

// Call is a single call in a user operation batch.
type Call struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}
