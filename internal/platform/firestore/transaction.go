package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// Order and stock mutations run through here, so the attempt cap and timeout
// bound how long a contended checkout can stall.
const (
	txMaxAttempts = 5
	txTimeout     = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline || time.Until(deadline) > txTimeout {
		txnCtx, cancel = context.WithTimeout(ctx, txTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	err := client.RunTransaction(txnCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(txMaxAttempts))

	return WrapError("transaction", err)
}
