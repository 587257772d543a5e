package worker

import (
	"sync"

	"github.com/pingcap/errors"
)

// ErrQueueClosed is returned by Enqueue once Stop has been called.
var ErrQueueClosed = errors.New("exec queue is closed")

// Call is one unit of engine work scheduled on an ExecQueue. Run must call done exactly once, after the
// completion callback of the work has returned. The queue does not start the next call before that.
type Call struct {
	Description string
	Run         func(done func())
}

// ExecQueue is the serialized execution channel of a session. Calls run one at a time, in the order they
// were enqueued, on a single goroutine. Enqueue never blocks, so completion callbacks may schedule follow-up
// calls on the queue they are running on. A Run function or a completion callback must never wait for another
// call on the same queue.
type ExecQueue struct {
	name   string
	wakeUp chan struct{}
	wg     *sync.WaitGroup

	mu struct {
		sync.Mutex
		pending  []*Call
		inFlight bool
		closed   bool
	}
}

func NewExecQueue(name string, wg *sync.WaitGroup) *ExecQueue {
	return &ExecQueue{
		name:   name,
		wakeUp: make(chan struct{}, 1),
		wg:     wg,
	}
}

func (q *ExecQueue) Name() string {
	return q.name
}

// Start launches the goroutine that drains the queue.
func (q *ExecQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			call := q.next()
			if call == nil {
				return
			}
			q.runCall(call)
		}
	}()
}

func (q *ExecQueue) runCall(call *Call) {
	finished := make(chan struct{})
	var once sync.Once
	call.Run(func() {
		once.Do(func() { close(finished) })
	})
	<-finished
	q.mu.Lock()
	q.mu.inFlight = false
	q.mu.Unlock()
}

// next blocks until a call is pending. It returns nil once the queue is closed and fully drained.
func (q *ExecQueue) next() *Call {
	for {
		q.mu.Lock()
		if len(q.mu.pending) > 0 {
			call := q.mu.pending[0]
			q.mu.pending[0] = nil
			q.mu.pending = q.mu.pending[1:]
			q.mu.inFlight = true
			q.mu.Unlock()
			return call
		}
		closed := q.mu.closed
		q.mu.Unlock()
		if closed {
			return nil
		}
		<-q.wakeUp
	}
}

// Enqueue appends call to the queue and returns its position, counting the call in flight.
func (q *ExecQueue) Enqueue(call *Call) (int, error) {
	q.mu.Lock()
	if q.mu.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	q.mu.pending = append(q.mu.pending, call)
	pos := len(q.mu.pending)
	if q.mu.inFlight {
		pos++
	}
	q.mu.Unlock()
	q.notify()
	return pos, nil
}

// Len returns the number of calls waiting or running.
func (q *ExecQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.mu.pending)
	if q.mu.inFlight {
		n++
	}
	return n
}

// Stop closes the queue for new calls. Calls already enqueued still run to completion.
func (q *ExecQueue) Stop() {
	q.mu.Lock()
	q.mu.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *ExecQueue) notify() {
	select {
	case q.wakeUp <- struct{}{}:
	default:
	}
}
