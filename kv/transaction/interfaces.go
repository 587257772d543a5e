package transaction

import (
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
)

// Callback receives the outcome of Execute, Commit or Rollback. It is invoked exactly once per call.
type Callback func(err error, h *Handler)

// NativeTx is the engine-side transaction context a Handler drives once it is open.
type NativeTx interface {
	// ConnectedNodeID returns the node coordinating the transaction.
	ConnectedNodeID() int
	LastError() error
	// ExecuteAndClose sends every defined operation. It blocks the calling goroutine and fires cb before
	// returning. Commit and Rollback close the transaction.
	ExecuteAndClose(mode ExecMode, abort AbortOption, forceSend bool, cb func(err error))
}

// AsyncContext executes native transactions without blocking the session's queue goroutine. The callback
// fires on a goroutine owned by the context.
type AsyncContext interface {
	ExecuteAsync(tx NativeTx, mode ExecMode, abort AbortOption, forceSend bool, cb func(err error))
}

// Session owns the serialized execution channel and the transaction-capacity accounting for the handlers it
// creates.
type Session interface {
	ExecQueue() *worker.ExecQueue
	// AsyncContext returns nil when engine calls should run through NativeTx.ExecuteAndClose.
	AsyncContext() AsyncContext
	// StartTransaction opens a native transaction. It runs on the exec queue goroutine and may block.
	StartTransaction(table string) (NativeTx, error)
	// QueueStartTransaction schedules call on the exec queue once capacity for h.RecordCount() records is
	// available.
	QueueStartTransaction(h *Handler, call *worker.Call)
	CloseActiveTransaction(h *Handler)
	// CloseTransaction returns the capacity reserved for h.
	CloseTransaction(h *Handler, records int)
}

// ScanCursor is the engine-side cursor of a prepared scan.
type ScanCursor interface {
	Close(cb func())
}

// OperationResult is the per-operation outcome attached after execution.
type OperationResult struct {
	Success bool
	Error   *OperationError
}

// Operation is one element of an operation list.
type Operation interface {
	IsScan() bool
	TableName() string
	// PrepareScan defines a scan on tx. The callback receives a nil cursor when the engine refused it.
	PrepareScan(tx NativeTx, cb func(cursor ScanCursor, err error))
	ScanCursor() ScanCursor
	SetScanCursor(cursor ScanCursor)
	Result() *OperationResult
}

// PendingOperationSet is the opaque product of OperationSupport.PrepareOperations.
type PendingOperationSet interface{}

// ExecutedList is what a completion attaches results for.
type ExecutedList struct {
	Operations []Operation
	Pending    PendingOperationSet
}

// OperationSupport prepares operations against a native transaction and attaches their results.
type OperationSupport interface {
	PrepareOperations(tx NativeTx, ops []Operation) PendingOperationSet
	CompleteExecutedOps(h *Handler, mode ExecMode, executed *ExecutedList)
	// GetScanResults fetches rows through the scan cursor until exhaustion or error.
	GetScanResults(op Operation, cb func(err error))
}

// AutoIncrementer sources the auto-increment values an operation list needs.
type AutoIncrementer interface {
	ValuesNeeded() int
	GetAllValues(cb func(err error))
}

// AutoIncrementFactory builds the AutoIncrementer for one operation list.
type AutoIncrementFactory func(ops []Operation) AutoIncrementer
