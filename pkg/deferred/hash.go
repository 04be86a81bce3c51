// Package deferred provides a single resolution future for transaction hashes.
package deferred

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Hash resolves exactly once with either a transaction hash or an error.
// Any number of goroutines may wait on it.
type Hash struct {
	once sync.Once
	done chan struct{}

	hash common.Hash
	err  error
}

func NewHash() *Hash {
	return &Hash{done: make(chan struct{})}
}

// Resolved returns a future that already holds h.
func Resolved(h common.Hash) *Hash {
	f := NewHash()
	f.Resolve(h)
	return f
}

// Rejected returns a future that already failed with err.
func Rejected(err error) *Hash {
	f := NewHash()
	f.Reject(err)
	return f
}

// Resolve settles the future with h. Later calls are ignored.
func (f *Hash) Resolve(h common.Hash) {
	f.once.Do(func() {
		f.hash = h
		close(f.done)
	})
}

// Reject settles the future with err. Later calls are ignored.
func (f *Hash) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Hash) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done. A done ctx only stops
// this wait, the future keeps running.
func (f *Hash) Wait(ctx context.Context) (common.Hash, error) {
	select {
	case <-f.done:
		return f.hash, f.err
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}
