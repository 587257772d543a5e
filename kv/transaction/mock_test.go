package transaction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"go.uber.org/zap"
)

// eventLog records the engine-visible activity of a test, in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.all() {
		if e == event {
			n++
		}
	}
	return n
}

type mockSession struct {
	log      *eventLog
	queue    *worker.ExecQueue
	wg       *sync.WaitGroup
	async    AsyncContext
	tx       *mockTx
	startErr error
	// startGate, when set, holds the start-transaction call until it is closed.
	startGate chan struct{}

	mu          sync.Mutex
	closeActive int
}

func newMockSession(t *testing.T) *mockSession {
	log := new(eventLog)
	wg := new(sync.WaitGroup)
	s := &mockSession{
		log:   log,
		queue: worker.NewExecQueue("mock", wg),
		wg:    wg,
		tx:    &mockTx{log: log},
	}
	s.queue.Start()
	return s
}

func (s *mockSession) stop() {
	s.queue.Stop()
	s.wg.Wait()
}

func (s *mockSession) ExecQueue() *worker.ExecQueue { return s.queue }

func (s *mockSession) AsyncContext() AsyncContext { return s.async }

func (s *mockSession) StartTransaction(table string) (NativeTx, error) {
	if s.startGate != nil {
		<-s.startGate
	}
	s.log.add("start:%s", table)
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.tx, nil
}

func (s *mockSession) QueueStartTransaction(h *Handler, call *worker.Call) {
	if _, err := s.queue.Enqueue(call); err != nil {
		panic(err)
	}
}

func (s *mockSession) CloseActiveTransaction(h *Handler) {
	s.mu.Lock()
	s.closeActive++
	s.mu.Unlock()
}

func (s *mockSession) CloseTransaction(h *Handler, records int) {
	s.log.add("close:%d", records)
}

type mockTx struct {
	log *eventLog

	mu sync.Mutex
	// errs is consumed one entry per execute call; a missing entry means success.
	errs    []error
	lastErr error
}

func (tx *mockTx) failNext(errs ...error) {
	tx.mu.Lock()
	tx.errs = append(tx.errs, errs...)
	tx.mu.Unlock()
}

func (tx *mockTx) ConnectedNodeID() int { return 1 }

func (tx *mockTx) LastError() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastErr
}

func (tx *mockTx) ExecuteAndClose(mode ExecMode, abort AbortOption, forceSend bool, cb func(err error)) {
	tx.log.add("execute:%s:%s", mode, abort)
	tx.mu.Lock()
	var err error
	if len(tx.errs) > 0 {
		err, tx.errs = tx.errs[0], tx.errs[1:]
	}
	tx.mu.Unlock()
	cb(err)
}

type mockAsync struct {
	log *eventLog
}

func (a *mockAsync) ExecuteAsync(tx NativeTx, mode ExecMode, abort AbortOption, forceSend bool, cb func(err error)) {
	a.log.add("async")
	go tx.ExecuteAndClose(mode, abort, forceSend, cb)
}

type mockCursor struct {
	log *eventLog
}

func (c *mockCursor) Close(cb func()) {
	c.log.add("closeCursor")
	cb()
}

type mockOp struct {
	log    *eventLog
	scan   bool
	table  string
	result OperationResult
	cursor ScanCursor
	// prepareErr makes PrepareScan return no cursor.
	prepareErr error
}

func newKeyOp(log *eventLog) *mockOp {
	return &mockOp{log: log, table: "t1"}
}

func newScanOp(log *eventLog) *mockOp {
	return &mockOp{log: log, scan: true, table: "t1"}
}

func (op *mockOp) IsScan() bool { return op.scan }

func (op *mockOp) TableName() string { return op.table }

func (op *mockOp) PrepareScan(tx NativeTx, cb func(cursor ScanCursor, err error)) {
	op.log.add("prepareScan")
	if op.prepareErr != nil {
		cb(nil, op.prepareErr)
		return
	}
	cb(&mockCursor{log: op.log}, nil)
}

func (op *mockOp) ScanCursor() ScanCursor { return op.cursor }

func (op *mockOp) SetScanCursor(cursor ScanCursor) { op.cursor = cursor }

func (op *mockOp) Result() *OperationResult { return &op.result }

type mockSupport struct {
	log *eventLog

	mu        sync.Mutex
	fetchErrs []error
}

func (s *mockSupport) failFetches(errs ...error) {
	s.mu.Lock()
	s.fetchErrs = append(s.fetchErrs, errs...)
	s.mu.Unlock()
}

func (s *mockSupport) PrepareOperations(tx NativeTx, ops []Operation) PendingOperationSet {
	s.log.add("prepare:%d", len(ops))
	return len(ops)
}

func (s *mockSupport) CompleteExecutedOps(h *Handler, mode ExecMode, executed *ExecutedList) {
	s.log.add("complete:%s:%d", mode, len(executed.Operations))
	for _, op := range executed.Operations {
		res := op.Result()
		if op.IsScan() {
			if res.Error == nil {
				res.Success = true
			}
			continue
		}
		res.Success = h.LastError() == nil
		if !res.Success {
			res.Error = FromEngineError(h.LastError())
		}
	}
}

func (s *mockSupport) GetScanResults(op Operation, cb func(err error)) {
	s.log.add("fetch")
	s.mu.Lock()
	var err error
	if len(s.fetchErrs) > 0 {
		err, s.fetchErrs = s.fetchErrs[0], s.fetchErrs[1:]
	}
	s.mu.Unlock()
	cb(err)
}

type mockAutoInc struct {
	log    *eventLog
	needed int
	err    error
}

func (a *mockAutoInc) ValuesNeeded() int { return a.needed }

func (a *mockAutoInc) GetAllValues(cb func(err error)) {
	a.log.add("autoinc:%d", a.needed)
	cb(a.err)
}

type callResult struct {
	err error
	h   *Handler
}

func newCallback() (Callback, <-chan callResult) {
	ch := make(chan callResult, 4)
	return func(err error, h *Handler) {
		ch <- callResult{err: err, h: h}
	}, ch
}

func waitResult(t *testing.T, ch <-chan callResult) callResult {
	select {
	case r := <-ch:
		return r
	case <-waitTimeout():
		t.Fatal("callback was not invoked")
	}
	return callResult{}
}

func waitTimeout() <-chan time.Time {
	return time.After(5 * time.Second)
}

func newTestHandler(sess *mockSession, support *mockSupport, autocommit bool) *Handler {
	return NewHandler(sess, Options{
		Autocommit: autocommit,
		Support:    support,
		Logger:     zap.NewNop(),
	})
}

func timeoutError() error {
	return NewEngineError(CodeTimeoutExpired, ClassTimeoutExpired, "Time-out, probably caused by deadlock")
}
