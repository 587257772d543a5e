package engine

import (
	"bytes"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// OpType is the kind of a defined key operation.
type OpType int

const (
	OpRead OpType = iota
	OpInsert
	OpUpdate
	// OpWrite inserts or overwrites.
	OpWrite
	OpDelete
)

var opTypeNames = [...]string{
	OpRead:   "read",
	OpInsert: "insert",
	OpUpdate: "update",
	OpWrite:  "write",
	OpDelete: "delete",
}

func (t OpType) String() string {
	if t < 0 || int(t) >= len(opTypeNames) {
		return "unknown"
	}
	return opTypeNames[t]
}

// Op is a key operation defined on a Transaction. It runs with the next execute call; Value and Err hold its
// outcome afterwards.
type Op struct {
	Type  OpType
	Table string
	Key   []byte
	Value []byte
	// UniqueIndex and UniqueValue, when set on a write, make the row own that value in the table's unique index.
	UniqueIndex string
	UniqueValue []byte

	Err      error
	executed bool
}

// Executed reports whether the operation was sent to the engine.
func (op *Op) Executed() bool {
	return op.executed
}

// Transaction is a native transaction of the Engine. Operations and scans are defined on it and sent with
// ExecuteAndClose; writes stay private to the transaction until it commits.
type Transaction struct {
	engine *Engine
	id     uint64
	node   int

	mu      sync.Mutex
	defined []*Op
	scans   []*ScanCursor
	writes  map[string]*Modify
	order   []string
	closed  bool
	lastErr error
}

func newTransaction(e *Engine, id uint64, node int) *Transaction {
	return &Transaction{
		engine: e,
		id:     id,
		node:   node,
		writes: make(map[string]*Modify),
	}
}

func (tx *Transaction) ID() uint64 {
	return tx.id
}

// ConnectedNodeID returns the node coordinating the transaction.
func (tx *Transaction) ConnectedNodeID() int {
	return tx.node
}

// LastError returns the error that aborted the transaction, or nil.
func (tx *Transaction) LastError() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastErr
}

// Closed reports whether the transaction was committed, rolled back or aborted.
func (tx *Transaction) Closed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.closed
}

// Define adds op to the operations sent with the next execute call.
func (tx *Transaction) Define(op *Op) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errAlreadyClosed()
	}
	tx.defined = append(tx.defined, op)
	return nil
}

// OpenScan defines a full scan of table. Rows can be fetched from the cursor once the transaction has been
// executed.
func (tx *Transaction) OpenScan(table string) (*ScanCursor, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, errAlreadyClosed()
	}
	c := newScanCursor(tx, table, tx.engine.opts.ScanBatchSize)
	tx.scans = append(tx.scans, c)
	return c, nil
}

// ExecuteAndClose sends the defined operations and applies mode. cb runs before ExecuteAndClose returns.
// With IgnoreError a failing operation only records its error on the Op; with AbortOnError and DefaultAbort
// it aborts the transaction. A unique index conflict always aborts.
func (tx *Transaction) ExecuteAndClose(mode transaction.ExecMode, abort transaction.AbortOption, forceSend bool, cb func(err error)) {
	cb(tx.execute(mode, abort))
}

func (tx *Transaction) execute(mode transaction.ExecMode, abort transaction.AbortOption) error {
	tx.engine.throttle()
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.closed {
		if mode == transaction.Rollback {
			return nil
		}
		return errAlreadyClosed()
	}
	if err := tx.engine.faults.nextExecute(); err != nil {
		return tx.abortLocked(err)
	}

	ops := tx.defined
	tx.defined = nil
	if mode == transaction.Rollback {
		tx.discardLocked()
		tx.engine.logger.Debug("transaction rolled back", zap.Uint64("txn", tx.id))
		return nil
	}
	for _, op := range ops {
		op.executed = true
		err := tx.applyLocked(op)
		if err == nil {
			continue
		}
		op.Err = err
		if ee, ok := err.(*transaction.EngineError); ok && ee.Code == transaction.CodeDuplicateUniqueKey {
			return tx.abortLocked(err)
		}
		if abort != transaction.IgnoreError {
			return tx.abortLocked(err)
		}
	}
	for _, c := range tx.scans {
		c.ready = true
	}
	if mode == transaction.Commit {
		if err := tx.commitLocked(); err != nil {
			return tx.abortLocked(err)
		}
		tx.engine.logger.Debug("transaction committed", zap.Uint64("txn", tx.id), zap.Int("writes", len(tx.order)))
		tx.discardLocked()
	}
	return nil
}

func (tx *Transaction) applyLocked(op *Op) error {
	row := rowKey(op.Table, op.Key)
	cur, err := tx.getLocked(row)
	if err != nil {
		return errors.Trace(err)
	}
	switch op.Type {
	case OpRead:
		if cur == nil {
			return errNoDataFound()
		}
		op.Value = cur
		return nil
	case OpInsert:
		if cur != nil {
			return errTupleExists()
		}
	case OpUpdate, OpDelete:
		if cur == nil {
			return errNoDataFound()
		}
	}
	if op.Type == OpDelete {
		return tx.deleteRowLocked(row)
	}
	return tx.putRowLocked(row, op)
}

func (tx *Transaction) putRowLocked(row []byte, op *Op) error {
	if op.UniqueIndex != "" {
		idx := indexKey(op.Table, op.UniqueIndex, op.UniqueValue)
		owner, err := tx.getLocked(idx)
		if err != nil {
			return errors.Trace(err)
		}
		if owner != nil && !bytes.Equal(owner, row) {
			return errDuplicateUniqueKey()
		}
		if err := tx.unlinkLocked(row, idx); err != nil {
			return err
		}
		tx.stageLocked(Modify{Key: idx, Value: row})
		tx.stageLocked(Modify{Key: linkKey(row), Value: idx})
	}
	tx.stageLocked(Modify{Key: row, Value: append([]byte(nil), op.Value...)})
	return nil
}

func (tx *Transaction) deleteRowLocked(row []byte) error {
	if err := tx.unlinkLocked(row, nil); err != nil {
		return err
	}
	tx.stageLocked(Modify{Key: row, Delete: true})
	return nil
}

// unlinkLocked drops the index entry the row owns unless it is keep.
func (tx *Transaction) unlinkLocked(row, keep []byte) error {
	link := linkKey(row)
	old, err := tx.getLocked(link)
	if err != nil {
		return errors.Trace(err)
	}
	if old == nil || bytes.Equal(old, keep) {
		return nil
	}
	tx.stageLocked(Modify{Key: old, Delete: true})
	if keep == nil {
		tx.stageLocked(Modify{Key: link, Delete: true})
	}
	return nil
}

// getLocked reads key as seen by the transaction.
func (tx *Transaction) getLocked(key []byte) ([]byte, error) {
	if m, ok := tx.writes[string(key)]; ok {
		if m.Delete {
			return nil, nil
		}
		return m.Value, nil
	}
	return tx.engine.store.Get(key)
}

func (tx *Transaction) stageLocked(m Modify) {
	k := string(m.Key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = &m
}

// commitLocked checks that no concurrently committed transaction took a unique value staged here, then writes
// the staged batch.
func (tx *Transaction) commitLocked() error {
	e := tx.engine
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	batch := make([]Modify, 0, len(tx.order))
	for _, k := range tx.order {
		m := tx.writes[k]
		if !m.Delete && len(m.Key) > 0 && m.Key[0] == indexPrefix {
			owner, err := e.store.Get(m.Key)
			if err != nil {
				return errors.Trace(err)
			}
			if owner != nil && !bytes.Equal(owner, m.Value) {
				if _, released := tx.writes[string(linkKey(owner))]; !released {
					return errDuplicateUniqueKey()
				}
			}
		}
		batch = append(batch, *m)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := e.store.Write(batch); err != nil {
		e.logger.Warn("commit write failed", zap.Uint64("txn", tx.id), zap.Error(err))
		return errClusterFailure()
	}
	return nil
}

func (tx *Transaction) abortLocked(err error) error {
	tx.lastErr = err
	tx.discardLocked()
	tx.engine.logger.Debug("transaction aborted", zap.Uint64("txn", tx.id), zap.Error(err))
	return err
}

func (tx *Transaction) discardLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.writes = nil
	tx.order = nil
	tx.defined = nil
	tx.engine.active.Dec()
}
