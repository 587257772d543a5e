package session

import (
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/engine"
	"github.com/pingcap-incubator/tinytxn/kv/operation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultMaxTransactionRecords is the number of transaction records a session may hold open at once.
const DefaultMaxTransactionRecords = 4

// ErrSessionClosed is returned once the session has been closed.
var ErrSessionClosed = errors.New("session is closed")

// ErrTransactionActive is returned by Begin while the previous transaction has not been finalized.
var ErrTransactionActive = errors.New("a transaction is already active on this session")

type Options struct {
	// MaxTransactionRecords caps the records held by open transactions: 1 for a key transaction, 2 for a
	// transaction opened by a scan. Starts beyond the cap wait until capacity is released.
	MaxTransactionRecords int
	// AsyncExecute sends execute calls through an async context instead of blocking the exec queue goroutine.
	AsyncExecute   bool
	ScanRetryLimit int
	ForceSend      bool
	// Metrics and IDs are shared by every handler of the session. Both may be shared between sessions.
	Metrics *transaction.Metrics
	IDs     transaction.IDGenerator
	Logger  *zap.Logger
}

type startRequest struct {
	h    *transaction.Handler
	call *worker.Call
}

// Session owns the exec queue all transactions of one client go through, and accounts the transaction
// records they hold.
type Session struct {
	name    string
	engine  *engine.Engine
	queue   *worker.ExecQueue
	async   *engine.AsyncContext
	support *operation.Support
	autoInc transaction.AutoIncrementFactory
	opts    Options
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu          sync.Mutex
	openRecords int
	waiting     []startRequest
	active      *transaction.Handler
	closed      bool
}

// New creates a session on e and starts its exec queue.
func New(name string, e *engine.Engine, opts Options) *Session {
	if opts.MaxTransactionRecords <= 0 {
		opts.MaxTransactionRecords = DefaultMaxTransactionRecords
	}
	if opts.Metrics == nil {
		opts.Metrics = transaction.NewMetrics(nil)
	}
	if opts.IDs == nil {
		opts.IDs = transaction.NewSerialGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = log.L()
	}
	s := &Session{
		name:    name,
		engine:  e,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("session", name)),
		autoInc: operation.NewAutoIncFactory(e),
	}
	s.support = operation.NewSupport(s.logger)
	s.queue = worker.NewExecQueue(name, &s.wg)
	s.queue.Start()
	if opts.AsyncExecute {
		s.async = engine.NewAsyncContext(name + "-async")
		s.async.Start()
	}
	return s
}

func (s *Session) Name() string {
	return s.name
}

// NewTransactionHandler returns an autocommit handler: every Execute commits.
func (s *Session) NewTransactionHandler() *transaction.Handler {
	return s.newHandler(true)
}

// Begin starts a user transaction finalized with Commit or Rollback. Only one may be active at a time.
func (s *Session) Begin() (*transaction.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.active != nil {
		return nil, ErrTransactionActive
	}
	s.active = s.newHandler(false)
	return s.active, nil
}

// ActiveTransaction returns the transaction started by Begin that has not been finalized yet, or nil.
func (s *Session) ActiveTransaction() *transaction.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) newHandler(autocommit bool) *transaction.Handler {
	return transaction.NewHandler(s, transaction.Options{
		Autocommit:     autocommit,
		Support:        s.support,
		AutoIncrement:  s.autoInc,
		Metrics:        s.opts.Metrics,
		IDs:            s.opts.IDs,
		Logger:         s.logger,
		ScanRetryLimit: s.opts.ScanRetryLimit,
		ForceSend:      s.opts.ForceSend,
	})
}

func (s *Session) ExecQueue() *worker.ExecQueue {
	return s.queue
}

func (s *Session) AsyncContext() transaction.AsyncContext {
	if s.async == nil {
		return nil
	}
	return s.async
}

func (s *Session) StartTransaction(table string) (transaction.NativeTx, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	tx, err := s.engine.StartTransaction(table)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// QueueStartTransaction reserves the handler's records and schedules call, or parks it until enough records
// have been released.
func (s *Session) QueueStartTransaction(h *transaction.Handler, call *worker.Call) {
	records := h.RecordCount()
	s.mu.Lock()
	if !s.closed && (len(s.waiting) > 0 || !s.fitsLocked(records)) {
		s.waiting = append(s.waiting, startRequest{h: h, call: call})
		waiting := len(s.waiting)
		s.mu.Unlock()
		s.logger.Debug("start transaction waits for capacity",
			zap.Stringer("tx", h), zap.Int("records", records), zap.Int("waiting", waiting))
		return
	}
	s.openRecords += records
	s.mu.Unlock()
	s.schedule(call)
}

// fitsLocked reports whether records more can be opened. A session with nothing open always admits one start.
func (s *Session) fitsLocked(records int) bool {
	return s.openRecords == 0 || s.openRecords+records <= s.opts.MaxTransactionRecords
}

func (s *Session) schedule(call *worker.Call) {
	if _, err := s.queue.Enqueue(call); err != nil {
		// The call still runs so that its handler completes; StartTransaction fails on a closed session.
		s.logger.Warn("exec queue rejected call", zap.String("call", call.Description), zap.Error(err))
		call.Run(func() {})
	}
}

func (s *Session) CloseActiveTransaction(h *transaction.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == h {
		s.active = nil
	}
}

// CloseTransaction returns the records reserved by h and admits waiting starts in arrival order.
func (s *Session) CloseTransaction(h *transaction.Handler, records int) {
	s.mu.Lock()
	s.openRecords -= records
	if s.openRecords < 0 {
		s.logger.Warn("transaction records released twice", zap.Stringer("tx", h), zap.Int("open", s.openRecords))
		s.openRecords = 0
	}
	var admitted []startRequest
	for len(s.waiting) > 0 {
		next := s.waiting[0]
		rc := next.h.RecordCount()
		if !s.closed && !s.fitsLocked(rc) {
			break
		}
		s.openRecords += rc
		s.waiting[0] = startRequest{}
		s.waiting = s.waiting[1:]
		admitted = append(admitted, next)
	}
	open := s.openRecords
	s.mu.Unlock()

	s.logger.Debug("transaction closed", zap.Stringer("tx", h), zap.Int("records", records), zap.Int("open", open))
	for _, req := range admitted {
		s.schedule(req.call)
	}
}

// OpenRecords returns the records currently reserved by open transactions.
func (s *Session) OpenRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openRecords
}

// WaitingStarts returns the number of start-transaction calls parked for capacity.
func (s *Session) WaitingStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// Close stops accepting transactions. Parked starts are released and fail; queued calls finish first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	waiting := s.waiting
	s.waiting = nil
	for _, req := range waiting {
		s.openRecords += req.h.RecordCount()
	}
	s.mu.Unlock()

	for _, req := range waiting {
		s.schedule(req.call)
	}
	s.queue.Stop()
	s.wg.Wait()
	if s.async != nil {
		s.async.Stop()
	}
	s.logger.Info("session closed")
}
