package transaction

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecuteEmptyList(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)

	cb, ch := newCallback()
	h.Execute(nil, cb)
	r := waitResult(t, ch)

	assert.Nil(t, r.err)
	assert.Equal(t, h, r.h)
	assert.Empty(t, sess.log.all())
	assert.Equal(t, StateUnopened, h.State())
}

func TestAutocommitExecute(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)
	insert := newKeyOp(sess.log)

	cb, ch := newCallback()
	h.Execute([]Operation{insert}, cb)
	r := waitResult(t, ch)

	assert.Nil(t, r.err)
	assert.True(t, h.LastSuccess())
	assert.Nil(t, h.LastError())
	assert.True(t, insert.Result().Success)
	assert.Equal(t, StateOpen, h.State())
	assert.Equal(t, 1, sess.closeActive)
	assert.Equal(t, []string{
		"start:t1",
		"prepare:1",
		"execute:commit:ignoreError",
		"close:1",
		"complete:commit:1",
	}, sess.log.all())
}

func TestExecuteThenCommit(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, false)

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	require.Nil(t, waitResult(t, ch).err)
	// The transaction stays open and its capacity stays reserved.
	assert.Equal(t, 0, sess.log.count("close:1"))
	assert.Equal(t, 0, sess.closeActive)

	h.Commit(cb)
	require.Nil(t, waitResult(t, ch).err)

	assert.Equal(t, []string{
		"start:t1",
		"prepare:1",
		"execute:noCommit:ignoreError",
		"complete:noCommit:1",
		"execute:commit:ignoreError",
		"close:1",
		"complete:commit:0",
	}, sess.log.all())
	assert.Equal(t, 1, sess.closeActive)
}

func TestRollbackUsesDefaultAbort(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, false)

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	require.Nil(t, waitResult(t, ch).err)
	h.Rollback(cb)
	require.Nil(t, waitResult(t, ch).err)

	assert.Equal(t, 1, sess.log.count("execute:rollback:defaultAbort"))
	assert.Equal(t, 1, sess.log.count("close:1"))
}

func TestFinalizeWithoutNativeTx(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, false)

	cb, ch := newCallback()
	h.Commit(cb)
	assert.Nil(t, waitResult(t, ch).err)
	h.Rollback(cb)
	assert.Nil(t, waitResult(t, ch).err)

	assert.True(t, h.LastSuccess())
	assert.Equal(t, 0, sess.log.count("start:t1"))
	assert.Equal(t, []string{"complete:commit:0", "complete:rollback:0"}, sess.log.all())
}

func TestFinalizeOnAutocommitPanics(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)

	assert.Panics(t, func() { h.Commit(nil) })
	assert.Panics(t, func() { h.Rollback(nil) })
}

func TestDeferredExecutesKeepArrivalOrder(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.startGate = make(chan struct{})
	h := newTestHandler(sess, &mockSupport{log: sess.log}, false)

	ch := make(chan string, 4)
	named := func(name string) Callback {
		return func(err error, _ *Handler) {
			assert.Nil(t, err)
			ch <- name
		}
	}
	ops := func() []Operation { return []Operation{newKeyOp(sess.log)} }

	h.Execute(ops(), named("first"))
	assert.Equal(t, StateOpening, h.State())
	h.Execute(ops(), named("second"))
	h.Execute(ops(), named("third"))
	h.Commit(named("commit"))
	close(sess.startGate)

	for _, want := range []string{"first", "second", "third", "commit"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-waitTimeout():
			t.Fatalf("%s callback was not invoked", want)
		}
	}
	assert.Equal(t, 1, sess.log.count("start:t1"))
	assert.Equal(t, []string{
		"start:t1",
		"prepare:1",
		"execute:noCommit:ignoreError",
		// The next deferred call is sent on its way before results are attached.
		"prepare:1",
		"complete:noCommit:1",
		"execute:noCommit:ignoreError",
		"prepare:1",
		"complete:noCommit:1",
		"execute:noCommit:ignoreError",
		"complete:noCommit:1",
		"execute:commit:ignoreError",
		"close:1",
		"complete:commit:0",
	}, sess.log.all())
}

func TestOpenFailure(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.startGate = make(chan struct{})
	sess.startErr = NewEngineError(CodeClusterFailure, ClassUnknownResult, "Cluster Failure")
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	close(sess.startGate)

	for i := 0; i < 2; i++ {
		r := waitResult(t, ch)
		require.NotNil(t, r.err)
		oe, ok := r.err.(*OperationError)
		require.True(t, ok)
		assert.Equal(t, CodeClusterFailure, oe.Code)
		assert.Equal(t, ClassUnknownResult, oe.Classification)
	}
	assert.False(t, h.LastSuccess())
	assert.Equal(t, []string{"start:t1", "close:1"}, sess.log.all())

	// The handler is abandoned; further calls fail without contacting the engine.
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	assert.NotNil(t, waitResult(t, ch).err)
	assert.Equal(t, 1, sess.log.count("start:t1"))
}

func TestDuplicateUniqueKeyIsSelfCaused(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.tx.failNext(NewEngineError(CodeDuplicateUniqueKey, ClassConstraintViolation,
		"Constraint violation e.g. duplicate value in unique index"))
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)
	op := newKeyOp(sess.log)

	cb, ch := newCallback()
	h.Execute([]Operation{op}, cb)
	r := waitResult(t, ch)

	require.NotNil(t, r.err)
	assert.True(t, IsDuplicateKey(r.err))
	oe := r.err.(*OperationError)
	assert.True(t, oe.Cause == error(oe))
	assert.Equal(t, "23000", oe.SQLState)
	assert.False(t, h.LastSuccess())
	assert.False(t, op.Result().Success)
	// A failed commit still finalizes the transaction.
	assert.Equal(t, 1, sess.log.count("close:1"))
}

func TestOtherEngineErrorsAreNotDuplicates(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.tx.failNext(NewEngineError(CodeTupleExists, ClassConstraintViolation, "Tuple already existed when attempting to insert"))
	h := newTestHandler(sess, &mockSupport{log: sess.log}, true)

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	r := waitResult(t, ch)

	require.NotNil(t, r.err)
	assert.False(t, IsDuplicateKey(r.err))
	assert.Nil(t, r.err.(*OperationError).Cause)
}

func TestSuccessClearsLastError(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.tx.failNext(NewEngineError(CodeNoDataFound, ClassNoDataFound, "Tuple did not exist"))
	h := newTestHandler(sess, &mockSupport{log: sess.log}, false)

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	assert.NotNil(t, waitResult(t, ch).err)
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	assert.Nil(t, waitResult(t, ch).err)
	assert.True(t, h.LastSuccess())
	assert.Nil(t, h.LastError())
}

func TestAutoIncrementValuesFetchedBeforePrepare(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	h := NewHandler(sess, Options{
		Autocommit: true,
		Support:    &mockSupport{log: sess.log},
		AutoIncrement: func(ops []Operation) AutoIncrementer {
			return &mockAutoInc{log: sess.log, needed: len(ops)}
		},
		Logger: zap.NewNop(),
	})

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log), newKeyOp(sess.log)}, cb)
	require.Nil(t, waitResult(t, ch).err)

	assert.Equal(t, []string{
		"start:t1",
		"autoinc:2",
		"prepare:2",
		"execute:commit:ignoreError",
		"close:1",
		"complete:commit:2",
	}, sess.log.all())
}

func TestAutoIncrementFailureRollsBack(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	fetchErr := errors.New("sequence unavailable")
	h := NewHandler(sess, Options{
		Autocommit: true,
		Support:    &mockSupport{log: sess.log},
		AutoIncrement: func(ops []Operation) AutoIncrementer {
			return &mockAutoInc{log: sess.log, needed: 1, err: fetchErr}
		},
		Logger: zap.NewNop(),
	})
	op := newKeyOp(sess.log)

	cb, ch := newCallback()
	h.Execute([]Operation{op}, cb)
	r := waitResult(t, ch)

	require.NotNil(t, r.err)
	assert.Equal(t, ClassUnknownErrorCode, r.err.(*OperationError).Classification)
	assert.Equal(t, 0, sess.log.count("prepare:1"))
	assert.Equal(t, 1, sess.log.count("execute:rollback:defaultAbort"))
	assert.Equal(t, 1, sess.log.count("close:1"))
	assert.False(t, op.Result().Success)
}

func TestAsyncContextPath(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	sess.async = &mockAsync{log: sess.log}
	reg := prometheus.NewRegistry()
	h := NewHandler(sess, Options{
		Autocommit: true,
		Support:    &mockSupport{log: sess.log},
		Metrics:    NewMetrics(reg),
		Logger:     zap.NewNop(),
	})

	cb, ch := newCallback()
	h.Execute([]Operation{newKeyOp(sess.log)}, cb)
	require.Nil(t, waitResult(t, ch).err)

	assert.Equal(t, 1, sess.log.count("async"))
	assert.Equal(t, 1.0, counterValue(t, reg, "tinytxn_handler_engine_runs_total", "path", "async"))
	assert.Equal(t, 0.0, counterValue(t, reg, "tinytxn_handler_engine_runs_total", "path", "sync"))
}

func TestMetricsCounted(t *testing.T) {
	sess := newMockSession(t)
	defer sess.stop()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ids := NewSerialGenerator()
	newHandler := func(autocommit bool) *Handler {
		return NewHandler(sess, Options{
			Autocommit: autocommit,
			Support:    &mockSupport{log: sess.log},
			Metrics:    metrics,
			IDs:        ids,
			Logger:     zap.NewNop(),
		})
	}

	cb, ch := newCallback()
	h1 := newHandler(true)
	h1.Execute([]Operation{newKeyOp(sess.log)}, cb)
	waitResult(t, ch)
	h2 := newHandler(false)
	h2.Execute([]Operation{newKeyOp(sess.log)}, cb)
	waitResult(t, ch)
	h2.Commit(cb)
	waitResult(t, ch)
	h3 := newHandler(false)
	h3.Rollback(cb)
	waitResult(t, ch)

	assert.Equal(t, uint64(1), h1.ID())
	assert.Equal(t, "(3)", h3.String())
	assert.Equal(t, 3.0, counterValue(t, reg, "tinytxn_handler_created_total", "", ""))
	assert.Equal(t, 1.0, counterValue(t, reg, "tinytxn_handler_executes_total", "mode", "commit"))
	assert.Equal(t, 1.0, counterValue(t, reg, "tinytxn_handler_executes_total", "mode", "noCommit"))
	assert.Equal(t, 1.0, counterValue(t, reg, "tinytxn_handler_commits_total", "", ""))
	assert.Equal(t, 1.0, counterValue(t, reg, "tinytxn_handler_rollbacks_total", "", ""))
	assert.Equal(t, 3.0, counterValue(t, reg, "tinytxn_handler_engine_runs_total", "path", "sync"))
}

// counterValue reads a counter from reg. An empty label selects the unlabelled series.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	mfs, err := reg.Gather()
	require.Nil(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
