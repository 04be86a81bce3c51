package txengine

import (
	"context"
	"fmt"

	"github.com/AvaProtocol/ap-wallet/model"
)

// AutoApprover approves everything. It is used when the wallet runs
// without an interactive approval surface.
type AutoApprover struct{}

func (AutoApprover) Approve(ctx context.Context, record *model.TransactionRecord) error {
	return nil
}

// ApproverFunc adapts a plain function to Approver.
type ApproverFunc func(ctx context.Context, record *model.TransactionRecord) error

func (f ApproverFunc) Approve(ctx context.Context, record *model.TransactionRecord) error {
	return f(ctx, record)
}

// OriginAllowlist rejects any request whose origin is not listed. Requests
// originated by the wallet itself carry an empty origin and always pass.
type OriginAllowlist map[string]bool

func (l OriginAllowlist) Approve(ctx context.Context, record *model.TransactionRecord) error {
	if record.Origin == "" || l[record.Origin] {
		return nil
	}
	return fmt.Errorf("%w: origin %s is not allowed", ErrUserRejected, record.Origin)
}
