package txdispatch

import (
	"context"
	"time"

	"github.com/AvaProtocol/ap-wallet/model"
)

// drainTimeout bounds how long a discarded hash is waited on in the background
const drainTimeout = 30 * time.Minute

// AddDappTransaction submits and waits for the hash, which is what the dapp
// gets back from eth_sendTransaction.
func (d *Dispatcher) AddDappTransaction(ctx context.Context, r DappRequest) (string, error) {
	result, err := d.Dispatch(ctx, NewDappRequest(r))
	if err != nil {
		return "", err
	}

	hash, err := result.WaitForHash(ctx)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// AddTransaction submits req. Without WaitForSubmission the immediate record,
// possibly nil, is returned and the outcome of the hash is only logged. With
// it, the dispatched record carrying the final hash is returned, or any
// record with that hash when the dispatched one cannot be found.
func (d *Dispatcher) AddTransaction(ctx context.Context, req *SubmissionRequest, wait WaitOptions) (*model.TransactionRecord, error) {
	result, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if !wait.WaitForSubmission {
		go d.drain(result)
		return result.Record, nil
	}

	hash, err := result.WaitForHash(ctx)
	if err != nil {
		return nil, err
	}
	// user operations bundled together share a hash, prefer the dispatched one
	if result.ID != "" {
		if record := d.RecordByID(result.ID); record != nil && record.Hash != nil && *record.Hash == hash {
			return record, nil
		}
	}
	return d.RecordByHash(hash), nil
}

func (d *Dispatcher) drain(result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	hash, err := result.WaitForHash(ctx)
	if err != nil {
		d.logger.Debug("discarded transaction outcome", "error", err)
		return
	}
	d.logger.Debug("discarded transaction outcome", "hash", hash.Hex())
}
