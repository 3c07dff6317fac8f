package middleware

import (
	"context"
	"database/sql"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/txn"
)

// PriorityTransaction runs closest to the handler among the standard
// middlewares.
const PriorityTransaction = 50

// MetadataTransactionKey opts a command out of the transactional scope when
// set to "none" in its metadata.
const (
	MetadataTransactionKey = "transaction"
	transactionOptOut      = "none"
)

type txKey struct{}

// TxFrom returns the transaction opened by the middleware for this
// command, false outside a transactional scope.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Transaction wraps handler invocation in a transactional scope. The open
// *sql.Tx rides in the context (TxFrom); post-commit hooks registered via
// txn.AfterCommit fire after the handler's work is durable.
type Transaction struct {
	manager *txn.Manager
	opts    []txn.Option
}

// NewTransaction creates the transaction middleware. The options apply to
// every wrapped command.
func NewTransaction(manager *txn.Manager, opts ...txn.Option) *Transaction {
	return &Transaction{manager: manager, opts: opts}
}

func (*Transaction) Priority() int { return PriorityTransaction }

// ShouldProcess honors the per-command metadata opt-out.
func (*Transaction) ShouldProcess(cmd commandbus.Command) bool {
	return commandbus.CommandMetadata(cmd)[MetadataTransactionKey] != transactionOptOut
}

func (t *Transaction) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	var result any
	err := t.manager.Execute(ctx, func(scopedCtx context.Context, tx *sql.Tx) error {
		var handleErr error
		result, handleErr = next(context.WithValue(scopedCtx, txKey{}, tx), cmd)
		return handleErr
	}, t.opts...)
	if err != nil {
		return nil, err
	}
	return result, nil
}
