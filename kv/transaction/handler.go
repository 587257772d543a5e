package transaction

import (
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultScanRetryLimit is the number of times a handler restarts scans after fetch timeouts, counted over its
// whole lifetime.
const DefaultScanRetryLimit = 10

// State is the open state of a Handler's native transaction.
type State int

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Options carries the collaborators of a Handler besides its Session.
type Options struct {
	Autocommit    bool
	Support       OperationSupport
	AutoIncrement AutoIncrementFactory
	// Metrics may be shared between handlers. A nil value gets a private unregistered instance.
	Metrics *Metrics
	IDs     IDGenerator
	Logger  *zap.Logger
	// ScanRetryLimit defaults to DefaultScanRetryLimit when zero.
	ScanRetryLimit int
	ForceSend      bool
}

type callKind int

const (
	callExecute callKind = iota
	callFinalize
)

// deferredCall is a call that arrived while the native transaction was being opened.
type deferredCall struct {
	kind  callKind
	mode  ExecMode
	abort AbortOption
	ops   []Operation
	cb    Callback
}

// Handler coordinates one logical transaction. Every engine call it issues goes through its session's exec
// queue, and every outcome reaches the caller through a Callback.
type Handler struct {
	session    Session
	support    OperationSupport
	autoInc    AutoIncrementFactory
	metrics    *Metrics
	logger     *zap.Logger
	autocommit bool
	retryLimit int
	forceSend  bool
	id         uint64
	moniker    string

	mu            sync.Mutex
	nativeTx      NativeTx
	openRequested bool
	// closed is set once the capacity reserved for this handler has been returned to the session.
	closed      bool
	openErr     *OperationError
	execCount   uint64
	pendingOps  map[uint64]*ExecutedList
	deferred    []deferredCall
	recordCount int
	retryCount  int
	lastSuccess bool
	lastError   *OperationError
}

// NewHandler creates a handler for session. opts.Support is required.
func NewHandler(session Session, opts Options) *Handler {
	if opts.Support == nil {
		panic("transaction: handler needs an OperationSupport")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.IDs == nil {
		opts.IDs = NewSerialGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = log.L()
	}
	if opts.ScanRetryLimit == 0 {
		opts.ScanRetryLimit = DefaultScanRetryLimit
	}
	id := opts.IDs.NextID()
	h := &Handler{
		session:     session,
		support:     opts.Support,
		autoInc:     opts.AutoIncrement,
		metrics:     opts.Metrics,
		autocommit:  opts.Autocommit,
		retryLimit:  opts.ScanRetryLimit,
		forceSend:   opts.ForceSend,
		id:          id,
		moniker:     moniker(id),
		pendingOps:  make(map[uint64]*ExecutedList),
		recordCount: 1,
	}
	h.logger = opts.Logger.With(zap.String("tx", h.moniker))
	h.metrics.created.Inc()
	h.logger.Debug("new transaction handler", zap.Bool("autocommit", h.autocommit))
	return h
}

func (h *Handler) ID() uint64 {
	return h.id
}

func (h *Handler) String() string {
	return h.moniker
}

func (h *Handler) Autocommit() bool {
	return h.autocommit
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.nativeTx != nil:
		return StateOpen
	case h.openRequested:
		return StateOpening
	}
	return StateUnopened
}

// NativeTx returns the open native transaction, or nil before the open completes.
func (h *Handler) NativeTx() NativeTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nativeTx
}

// RecordCount is the number of transaction records reserved with the session: 1, or 2 when the transaction
// was opened for a scan.
func (h *Handler) RecordCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recordCount
}

func (h *Handler) RetryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryCount
}

func (h *Handler) LastSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSuccess
}

// LastError returns the error of the most recent completion, or nil.
func (h *Handler) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastError == nil {
		return nil
	}
	return h.lastError
}

// Execute runs ops. An autocommit handler commits them; otherwise the transaction stays open for Commit or
// Rollback. Per-operation errors do not abort the transaction. An empty list succeeds without contacting the
// engine.
func (h *Handler) Execute(ops []Operation, cb Callback) {
	if len(ops) == 0 {
		h.logger.Debug("stub execute, no operation list")
		if cb != nil {
			cb(nil, h)
		}
		return
	}
	if h.autocommit {
		h.logger.Debug("execute", zap.Stringer("mode", Commit))
		h.metrics.executed(Commit)
		h.session.CloseActiveTransaction(h)
		h.execute(Commit, IgnoreError, ops, cb)
		return
	}
	h.logger.Debug("execute", zap.Stringer("mode", NoCommit))
	h.metrics.executed(NoCommit)
	h.execute(NoCommit, IgnoreError, ops, cb)
}

// Commit commits the work executed so far. It must not be called on an autocommit handler.
func (h *Handler) Commit(cb Callback) {
	if h.autocommit {
		panic(errors.New("transaction: commit called on an autocommit handler"))
	}
	h.metrics.commits.Inc()
	h.session.CloseActiveTransaction(h)
	h.finalize(Commit, IgnoreError, cb)
}

// Rollback rolls back the work executed so far. It must not be called on an autocommit handler.
func (h *Handler) Rollback(cb Callback) {
	if h.autocommit {
		panic(errors.New("transaction: rollback called on an autocommit handler"))
	}
	h.metrics.rollbacks.Inc()
	h.session.CloseActiveTransaction(h)
	h.finalize(Rollback, DefaultAbort, cb)
}

func (h *Handler) execute(mode ExecMode, abort AbortOption, ops []Operation, cb Callback) {
	isScan := ops[0].IsScan()
	h.mu.Lock()
	switch {
	case h.nativeTx != nil:
		h.mu.Unlock()
		h.executeSpecific(isScan, mode, abort, ops, cb)
	case h.openErr != nil:
		// The open failed; the handler is abandoned.
		err := h.openErr
		h.mu.Unlock()
		if cb != nil {
			cb(err, h)
		}
	case h.openRequested:
		h.deferred = append(h.deferred, deferredCall{kind: callExecute, mode: mode, abort: abort, ops: ops, cb: cb})
		queued := len(h.deferred)
		h.mu.Unlock()
		h.logger.Debug("execute deferred until the transaction is open", zap.Int("queued", queued))
	default:
		h.openRequested = true
		if isScan {
			h.recordCount = 2
		} else {
			h.recordCount = 1
		}
		h.mu.Unlock()
		h.startTransaction(ops, func() {
			h.executeSpecific(isScan, mode, abort, ops, cb)
		}, cb)
	}
}

func (h *Handler) executeSpecific(isScan bool, mode ExecMode, abort AbortOption, ops []Operation, cb Callback) {
	if isScan {
		h.executeScan(mode, abort, ops, cb)
	} else {
		h.executeNonScan(mode, abort, ops, cb)
	}
}

// startTransaction issues the one start-transaction call of this handler. proceed runs once it succeeded.
func (h *Handler) startTransaction(ops []Operation, proceed func(), cb Callback) {
	table := ops[0].TableName()
	call := &worker.Call{
		Description: "startTransaction",
		Run: func(done func()) {
			tx, err := h.session.StartTransaction(table)
			h.onStartTx(tx, err, len(ops), proceed, cb)
			done()
		},
	}
	h.session.QueueStartTransaction(h, call)
}

func (h *Handler) onStartTx(tx NativeTx, err error, numOps int, proceed func(), cb Callback) {
	if err == nil && tx == nil {
		err = NewEngineError(CodeClusterFailure, ClassUnknownResult, "engine returned no transaction")
	}
	if err != nil {
		h.mu.Lock()
		records := h.recordCount
		h.closed = true
		oe := FromEngineError(err)
		h.openErr = oe
		h.lastSuccess = false
		h.lastError = oe
		queued := h.deferred
		h.deferred = nil
		h.mu.Unlock()

		h.session.CloseTransaction(h, records)
		h.logger.Warn("start transaction failed", zap.Error(oe), zap.Int("deferred", len(queued)))
		if cb != nil {
			cb(oe, h)
		}
		for _, d := range queued {
			if d.cb != nil {
				d.cb(oe, h)
			}
		}
		return
	}

	h.mu.Lock()
	h.nativeTx = tx
	h.mu.Unlock()
	h.logger.Debug("transaction started",
		zap.Int("tc-node", tx.ConnectedNodeID()),
		zap.Int("operations", numOps))
	proceed()
}

func (h *Handler) finalize(mode ExecMode, abort AbortOption, cb Callback) {
	h.mu.Lock()
	if h.nativeTx == nil && h.openRequested && !h.closed {
		h.deferred = append(h.deferred, deferredCall{kind: callFinalize, mode: mode, abort: abort, cb: cb})
		h.mu.Unlock()
		h.logger.Debug("finalize deferred until the transaction is open", zap.Stringer("mode", mode))
		return
	}
	execID := h.registerExecLocked(nil, nil)
	tx := h.nativeTx
	h.mu.Unlock()

	onDone := func(err error) {
		h.onExecute(mode, err, execID, cb)
	}
	if tx == nil {
		h.logger.Debug("stub finalize, no native transaction", zap.Stringer("mode", mode))
		onDone(nil)
		return
	}
	h.run(mode, abort, onDone)
}

// run schedules one engine execute call on the session's exec queue.
func (h *Handler) run(mode ExecMode, abort AbortOption, cb func(err error)) {
	tx := h.NativeTx()
	call := &worker.Call{
		Description: "execute_" + mode.String(),
		Run: func(done func()) {
			complete := func(err error) {
				cb(err)
				done()
			}
			if async := h.session.AsyncContext(); async != nil {
				h.metrics.runAsync()
				async.ExecuteAsync(tx, mode, abort, h.forceSend, complete)
				return
			}
			h.metrics.runSync()
			tx.ExecuteAndClose(mode, abort, h.forceSend, complete)
		},
	}
	pos, err := h.session.ExecQueue().Enqueue(call)
	if err != nil {
		cb(errors.Annotatef(err, "execute %s", mode))
		return
	}
	h.logger.Debug("run", zap.Stringer("mode", mode), zap.Int("queue-position", pos))
}

func (h *Handler) registerExec(ops []Operation, pending PendingOperationSet) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerExecLocked(ops, pending)
}

func (h *Handler) registerExecLocked(ops []Operation, pending PendingOperationSet) uint64 {
	execID := h.execCount
	h.execCount++
	h.pendingOps[execID] = &ExecutedList{Operations: ops, Pending: pending}
	return execID
}
