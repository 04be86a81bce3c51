package schema

import (
	"fmt"
)

// TransactionStorageKey is where a tracked transaction record is kept
// tx:<id>
func TransactionStorageKey(id string) []byte {
	return []byte(fmt.Sprintf("tx:%s", id))
}

func TransactionStoragePrefix() []byte {
	return []byte("tx:")
}

// PendingUserOpKey indexes user operations still waiting for a receipt by chain
// uo:p:<chain_id>:<id>
func PendingUserOpKey(chainID uint64, id string) []byte {
	return []byte(fmt.Sprintf("uo:p:%d:%s", chainID, id))
}

// PendingUserOpsPrefix covers pending user operations of every chain
func PendingUserOpsPrefix() string {
	return "uo:p:"
}

func PendingUserOpPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("uo:p:%d:", chainID))
}
