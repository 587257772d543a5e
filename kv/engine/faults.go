package engine

import (
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
)

// Faults queues errors the engine returns instead of doing real work. Each queued error is returned once.
type Faults struct {
	mu           sync.Mutex
	start        []error
	execute      []error
	scanTimeouts int
}

// FailStart makes the next StartTransaction calls fail with errs, in order.
func (f *Faults) FailStart(errs ...error) {
	f.mu.Lock()
	f.start = append(f.start, errs...)
	f.mu.Unlock()
}

// FailExecute makes the next execute calls fail with errs, in order. The failing transaction is aborted.
func (f *Faults) FailExecute(errs ...error) {
	f.mu.Lock()
	f.execute = append(f.execute, errs...)
	f.mu.Unlock()
}

// TimeoutScans makes the next n scan fetches fail with a TimeoutExpired error.
func (f *Faults) TimeoutScans(n int) {
	f.mu.Lock()
	f.scanTimeouts += n
	f.mu.Unlock()
}

// Reset drops every queued fault.
func (f *Faults) Reset() {
	f.mu.Lock()
	f.start, f.execute, f.scanTimeouts = nil, nil, 0
	f.mu.Unlock()
}

func (f *Faults) nextStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.start)
}

func (f *Faults) nextExecute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.execute)
}

func (f *Faults) nextScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanTimeouts == 0 {
		return nil
	}
	f.scanTimeouts--
	return errTimeout()
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func errTimeout() error {
	return transaction.NewEngineError(transaction.CodeTimeoutExpired, transaction.ClassTimeoutExpired,
		"Time-out, probably caused by deadlock")
}

func errClusterFailure() error {
	return transaction.NewEngineError(transaction.CodeClusterFailure, transaction.ClassUnknownResult, "Cluster Failure")
}

func errAlreadyClosed() error {
	return transaction.NewEngineError(transaction.CodeAlreadyClosed, transaction.ClassApplicationError,
		"Transaction already completed")
}

func errNoDataFound() error {
	return transaction.NewEngineError(transaction.CodeNoDataFound, transaction.ClassNoDataFound,
		"Tuple did not exist")
}

func errTupleExists() error {
	return transaction.NewEngineError(transaction.CodeTupleExists, transaction.ClassConstraintViolation,
		"Tuple already existed when attempting to insert")
}

func errDuplicateUniqueKey() error {
	return transaction.NewEngineError(transaction.CodeDuplicateUniqueKey, transaction.ClassConstraintViolation,
		"Unique constraint violation")
}
