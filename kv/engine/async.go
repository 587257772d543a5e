package engine

import (
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/errors"
)

// AsyncContext runs execute calls on its own goroutine and completes them from there.
type AsyncContext struct {
	queue *worker.ExecQueue
	wg    sync.WaitGroup
}

func NewAsyncContext(name string) *AsyncContext {
	a := new(AsyncContext)
	a.queue = worker.NewExecQueue(name, &a.wg)
	return a
}

func (a *AsyncContext) Start() {
	a.queue.Start()
}

// Stop finishes the queued calls and waits for the goroutine to exit.
func (a *AsyncContext) Stop() {
	a.queue.Stop()
	a.wg.Wait()
}

func (a *AsyncContext) ExecuteAsync(tx transaction.NativeTx, mode transaction.ExecMode, abort transaction.AbortOption,
	forceSend bool, cb func(err error)) {
	call := &worker.Call{
		Description: "executeAsync_" + mode.String(),
		Run: func(done func()) {
			tx.ExecuteAndClose(mode, abort, forceSend, func(err error) {
				cb(err)
				done()
			})
		},
	}
	if _, err := a.queue.Enqueue(call); err != nil {
		cb(errors.Annotate(err, "async execute"))
	}
}
