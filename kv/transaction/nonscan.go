package transaction

import (
	"go.uber.org/zap"
)

// executeNonScan runs a list of key operations: fetch auto-increment values, prepare every operation, then one
// engine execute call.
func (h *Handler) executeNonScan(mode ExecMode, abort AbortOption, ops []Operation, cb Callback) {
	prepare := func() {
		pending := h.support.PrepareOperations(h.NativeTx(), ops)
		execID := h.registerExec(ops, pending)
		h.run(mode, abort, func(err error) {
			h.onExecute(mode, err, execID, cb)
		})
	}

	var autoInc AutoIncrementer
	if h.autoInc != nil {
		autoInc = h.autoInc(ops)
	}
	if autoInc == nil || autoInc.ValuesNeeded() == 0 {
		prepare()
		return
	}
	h.logger.Debug("fetching auto-increment values", zap.Int("needed", autoInc.ValuesNeeded()))
	autoInc.GetAllValues(func(err error) {
		if err != nil {
			execID := h.registerExec(ops, nil)
			h.forceRollback(execID, err, cb)
			return
		}
		prepare()
	})
}

// forceRollback rolls the native transaction back after a failure that happened outside an engine execute
// call, then completes with cause.
func (h *Handler) forceRollback(execID uint64, cause error, cb Callback) {
	h.logger.Warn("forcing rollback", zap.Uint64("exec-id", execID), zap.Error(cause))
	h.run(Rollback, DefaultAbort, func(err error) {
		if err != nil {
			h.logger.Warn("forced rollback failed", zap.Error(err))
		}
		h.onExecute(Rollback, cause, execID, cb)
	})
}
