package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lanedb/lane/wire"
)

// TxnState is the lifecycle state of a Txn.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnRolledBack
)

// String returns a human-readable name of the TxnState.
func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "ACTIVE"
	case TxnCommitted:
		return "COMMITTED"
	case TxnRolledBack:
		return "ROLLED_BACK"
	default:
		return "INVALID"
	}
}

// Txn is an open transaction against the engine's connection. Operations
// carrying its ID serialize on its mutex, so two workers never interleave
// statements within one transaction. IDs are never reused.
type Txn struct {
	ID    uuid.UUID
	State TxnState

	tx    *sql.Tx
	mu    sync.Mutex
	began time.Time
}

// Begin opens a transaction and returns its ID. Because the engine holds a
// single connection, an open transaction owns that connection: other
// operations block (bounded by their own timeouts) until it completes.
func (e *Engine) Begin(ctx context.Context) (uuid.UUID, error) {
	var tx, err = e.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, &wire.CodedError{Code: wire.CodeStorage, Err: errors.Wrap(err, "beginning transaction")}
	}

	var txn = &Txn{
		ID:    uuid.New(),
		State: TxnActive,
		tx:    tx,
		began: time.Now(),
	}

	e.txnMu.Lock()
	e.txns[txn.ID] = txn
	e.txnMu.Unlock()

	log.WithField("txn", txn.ID).Debug("began transaction")
	return txn.ID, nil
}

// Commit commits the transaction of |id|.
func (e *Engine) Commit(id uuid.UUID) error {
	return e.finishTxn(id, true)
}

// Rollback rolls back the transaction of |id|.
func (e *Engine) Rollback(id uuid.UUID) error {
	return e.finishTxn(id, false)
}

func (e *Engine) finishTxn(id uuid.UUID, commit bool) error {
	e.txnMu.Lock()
	var txn, ok = e.txns[id]
	if ok {
		delete(e.txns, id)
	}
	e.txnMu.Unlock()

	if !ok {
		return wire.NewCodedError(wire.CodeTxnNotFound, "no active transaction %s", id)
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	var err error
	var msg string
	if commit {
		err, txn.State, msg = txn.tx.Commit(), TxnCommitted, "committed transaction"
	} else {
		err, txn.State, msg = txn.tx.Rollback(), TxnRolledBack, "rolled back transaction"
	}
	if err != nil {
		return &wire.CodedError{Code: wire.CodeStorage,
			Err: errors.Wrapf(err, "finishing transaction %s", id)}
	}

	log.WithFields(log.Fields{
		"txn":  id,
		"took": time.Since(txn.began),
	}).Debug(msg)
	return nil
}

// ActiveTxns returns the count of open transactions.
func (e *Engine) ActiveTxns() int {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	return len(e.txns)
}
