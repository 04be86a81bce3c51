package txdispatch

import "github.com/AvaProtocol/ap-wallet/model"

type Strategy int

const (
	StrategyEOA Strategy = iota
	StrategySmartContract
)

func (s Strategy) String() string {
	if s == StrategySmartContract {
		return "smart_contract"
	}
	return "eoa"
}

// Classify picks the submission strategy for account. Only ERC-4337
// accounts are bundled, anything else, including tags we do not know, is
// sent as a plain transaction.
func Classify(account model.Account) Strategy {
	if account.Type == model.ERC4337AccountType {
		return StrategySmartContract
	}
	return StrategyEOA
}
