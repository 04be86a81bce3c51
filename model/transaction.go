package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusUnapproved TransactionStatus = "unapproved"
	StatusApproved   TransactionStatus = "approved"
	StatusRejected   TransactionStatus = "rejected"
	StatusSigned     TransactionStatus = "signed"
	StatusSubmitted  TransactionStatus = "submitted"
	StatusConfirmed  TransactionStatus = "confirmed"
	StatusFailed     TransactionStatus = "failed"
)

// TransactionType tags the intent of a transaction, e.g. a swap or a plain
// send. It is forwarded untouched to whichever engine ends up handling it.
type TransactionType string

const (
	SimpleSendType          TransactionType = "simpleSend"
	ContractInteractionType TransactionType = "contractInteraction"
	DeployContractType      TransactionType = "contractDeployment"
	SwapType                TransactionType = "swap"
	SwapApprovalType        TransactionType = "swapApproval"
)

// ZeroHex is the canonical hex quantity used when a fee is not applicable.
const ZeroHex = "0x0"

// TxParams mirrors the eth_sendTransaction parameter object. Quantities are
// hex encoded so they survive JSON round trips from dapps unchanged.
type TxParams struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// Clone returns a shallow copy, all fields are values so this is a full copy.
func (p *TxParams) Clone() *TxParams {
	if p == nil {
		return &TxParams{}
	}
	c := *p
	return &c
}

// SecurityAlert is an opaque annotation produced by a content scanner. It
// is carried along with the request and stored on the record.
type SecurityAlert struct {
	ID     string         `json:"id,omitempty"`
	Result string         `json:"result_type,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

type TransactionRecord struct {
	ID      string            `json:"id"`
	ChainID uint64            `json:"chain_id"`
	Status  TransactionStatus `json:"status"`
	Hash    *common.Hash      `json:"hash,omitempty"`
	Params  TxParams          `json:"params"`

	Origin        string          `json:"origin,omitempty"`
	ActionID      string          `json:"action_id,omitempty"`
	Method        string          `json:"method,omitempty"`
	Type          TransactionType `json:"type,omitempty"`
	SecurityAlert *SecurityAlert  `json:"security_alert,omitempty"`
	SwapMetadata  map[string]any  `json:"swap_metadata,omitempty"`

	// set when the record is backed by a user operation
	UserOperationHash string `json:"user_operation_hash,omitempty"`

	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Generate a sorted id, records sort by creation when listed by key
func GenerateTransactionID() string {
	return ulid.Make().String()
}

func NewTransactionRecord(chainID uint64, params *TxParams) *TransactionRecord {
	now := time.Now().UnixMilli()
	return &TransactionRecord{
		ID:        GenerateTransactionID(),
		ChainID:   chainID,
		Status:    StatusUnapproved,
		Params:    *params.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *TransactionRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r *TransactionRecord) FromStorageData(body []byte) error {
	return json.Unmarshal(body, r)
}

// HexToBig decodes a hex quantity, treating an empty string as zero. Leading
// zeros such as "0x05" are accepted since dapps send them.
func HexToBig(v string) (*big.Int, error) {
	if v == "" || v == "0x" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		digits := strings.TrimLeft(v[2:], "0")
		if digits == "" {
			return new(big.Int), nil
		}
		v = "0x" + digits
	}
	return hexutil.DecodeBig(v)
}

// FormatEther renders a wei quantity as an ether amount.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ParseEther turns an ether amount such as "0.5" into wei. Fractions below
// one wei are rejected.
func ParseEther(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	wei := d.Shift(18)
	if !wei.IsInteger() || wei.IsNegative() {
		return nil, fmt.Errorf("invalid ether amount %s", amount)
	}
	return wei.BigInt(), nil
}
