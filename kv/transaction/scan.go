package transaction

import (
	"go.uber.org/zap"
)

// A scan operation list holds exactly one scan and nothing else.
type scanExecution struct {
	h      *Handler
	mode   ExecMode
	abort  AbortOption
	op     Operation
	execID uint64
	cb     Callback
}

// executeScan prepares the scan cursor, executes NoCommit so that rows can be fetched, fetches, closes the
// cursor and then finalizes as requested. Fetch timeouts restart the whole sequence under the same exec id.
func (h *Handler) executeScan(mode ExecMode, abort AbortOption, ops []Operation, cb Callback) {
	s := &scanExecution{
		h:      h,
		mode:   mode,
		abort:  abort,
		op:     ops[0],
		execID: h.registerExec(ops, nil),
		cb:     cb,
	}
	s.prepare()
}

func (s *scanExecution) prepare() {
	s.h.logger.Debug("executeScan prepare", zap.Uint64("exec-id", s.execID))
	s.op.PrepareScan(s.h.NativeTx(), s.executeNoCommit)
}

func (s *scanExecution) executeNoCommit(cursor ScanCursor, err error) {
	if cursor == nil {
		if err == nil {
			err = s.h.NativeTx().LastError()
		}
		if err == nil {
			err = NewEngineError(0, ClassInternalError, "scan cursor was not created")
		}
		s.failOperation(err)
		s.h.forceRollback(s.execID, err, s.cb)
		return
	}
	s.op.SetScanCursor(cursor)
	s.h.run(NoCommit, IgnoreError, s.fetch)
}

func (s *scanExecution) fetch(err error) {
	if err != nil {
		s.onFetchComplete(err)
		return
	}
	s.h.logger.Debug("executeScan fetch", zap.Uint64("exec-id", s.execID))
	s.h.support.GetScanResults(s.op, s.onFetchComplete)
}

func (s *scanExecution) onFetchComplete(err error) {
	var next func()
	switch {
	case err == nil:
		next = s.closeSuccess
	case s.h.canRetry(err):
		next = s.retryAfterClose
	default:
		next = func() { s.closeWithError(err) }
	}
	s.op.ScanCursor().Close(next)
}

func (s *scanExecution) retryAfterClose() {
	s.op.SetScanCursor(nil)
	s.h.metrics.scanRetries.Inc()
	s.h.logger.Debug("retrying scan", zap.Int("retries", s.h.RetryCount()))
	s.prepare()
}

func (s *scanExecution) closeWithError(err error) {
	s.failOperation(err)
	s.h.forceRollback(s.execID, err, s.cb)
}

func (s *scanExecution) closeSuccess() {
	if s.mode == NoCommit {
		// The NoCommit call that started the fetch already satisfies the request.
		s.h.onExecute(s.mode, nil, s.execID, s.cb)
		return
	}
	s.h.run(s.mode, s.abort, func(err error) {
		s.h.onExecute(s.mode, err, s.execID, s.cb)
	})
}

func (s *scanExecution) failOperation(err error) {
	res := s.op.Result()
	res.Success = false
	res.Error = FromEngineError(err)
}

// canRetry consumes one retry from the handler-wide budget when err is a timeout.
func (h *Handler) canRetry(err error) bool {
	if !IsTimeout(err) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retryCount >= h.retryLimit {
		return false
	}
	h.retryCount++
	return true
}
