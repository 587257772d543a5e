package transaction

import (
	"go.uber.org/zap"
)

// onExecute is the completion shared by every execution path. It records the outcome, returns the reserved
// capacity after a finalizing call, sends the next deferred call on its way, attaches per-operation results
// and finally runs the user callback.
func (h *Handler) onExecute(mode ExecMode, engineErr error, execID uint64, cb Callback) {
	err := h.attachError(engineErr)

	h.mu.Lock()
	release := mode.Finalizing() && h.nativeTx != nil && !h.closed
	if release {
		h.closed = true
	}
	records := h.recordCount
	executed, ok := h.pendingOps[execID]
	delete(h.pendingOps, execID)
	h.mu.Unlock()

	if ce := h.logger.Check(zap.DebugLevel, "execute complete"); ce != nil {
		ce.Write(zap.Stringer("mode", mode), zap.Uint64("exec-id", execID), zap.Bool("success", err == nil))
	}
	if release {
		h.session.CloseTransaction(h, records)
	}

	h.runDeferred()

	if !ok {
		h.logger.Warn("no operation list recorded for exec id", zap.Uint64("exec-id", execID))
		executed = &ExecutedList{}
	}
	h.support.CompleteExecutedOps(h, mode, executed)

	if cb != nil {
		cb(err, h)
	}
}

// attachError records the outcome of an engine call on the handler and returns the error handed to callers.
func (h *Handler) attachError(engineErr error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if engineErr == nil {
		h.lastSuccess = true
		h.lastError = nil
		return nil
	}
	oe := FromEngineError(engineErr)
	if oe.Code == CodeDuplicateUniqueKey {
		oe.Cause = oe
	}
	h.lastSuccess = false
	h.lastError = oe
	return oe
}

// runDeferred re-runs the oldest call that arrived while the transaction was opening.
func (h *Handler) runDeferred() {
	h.mu.Lock()
	if len(h.deferred) == 0 {
		h.mu.Unlock()
		return
	}
	d := h.deferred[0]
	h.deferred[0] = deferredCall{}
	h.deferred = h.deferred[1:]
	remaining := len(h.deferred)
	h.mu.Unlock()

	h.logger.Debug("running deferred call", zap.Int("remaining", remaining))
	switch d.kind {
	case callExecute:
		h.execute(d.mode, d.abort, d.ops, d.cb)
	case callFinalize:
		h.finalize(d.mode, d.abort, d.cb)
	}
}
