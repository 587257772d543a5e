package engine

import (
	"encoding/binary"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultScanBatchSize = 64

// Options configures an Engine.
type Options struct {
	// DataNodes is the number of nodes transactions are coordinated by. Zero means one.
	DataNodes int
	// DistributionAware picks the coordinating node from the table name instead of round robin.
	DistributionAware bool
	// ExecuteRate caps execute calls per second across the engine. Zero means unlimited.
	ExecuteRate float64
	ScanBatchSize int
}

// Engine is a small transactional key-value engine. Rows live in tables; each row may own one entry in a
// unique index of its table.
type Engine struct {
	store  Store
	opts   Options
	faults Faults
	bucket *ratelimit.Bucket
	logger *zap.Logger

	nextNode atomic.Uint32
	txnIDs   atomic.Uint64
	active   atomic.Int64

	// commitMu serializes validation and write-back of commits.
	commitMu sync.Mutex
	seqMu    sync.Mutex
}

func New(store Store, opts Options) *Engine {
	if opts.DataNodes <= 0 {
		opts.DataNodes = 1
	}
	if opts.ScanBatchSize <= 0 {
		opts.ScanBatchSize = defaultScanBatchSize
	}
	e := &Engine{
		store:  store,
		opts:   opts,
		logger: log.L().With(zap.String("component", "engine")),
	}
	if opts.ExecuteRate > 0 {
		capacity := int64(opts.ExecuteRate)
		if capacity < 1 {
			capacity = 1
		}
		e.bucket = ratelimit.NewBucketWithRate(opts.ExecuteRate, capacity)
	}
	return e
}

// Faults returns the fault injection hooks of the engine.
func (e *Engine) Faults() *Faults {
	return &e.faults
}

// ActiveTransactions returns the number of started transactions that have not been committed or rolled back.
func (e *Engine) ActiveTransactions() int64 {
	return e.active.Load()
}

// StartTransaction starts a transaction. table is a hint used to pick the coordinating node.
func (e *Engine) StartTransaction(table string) (*Transaction, error) {
	if err := e.faults.nextStart(); err != nil {
		return nil, err
	}
	tx := newTransaction(e, e.txnIDs.Inc(), e.pickNode(table))
	e.active.Inc()
	e.logger.Debug("transaction started",
		zap.Uint64("txn", tx.id),
		zap.Int("node", tx.node),
		zap.String("table", table))
	return tx, nil
}

func (e *Engine) pickNode(table string) int {
	n := uint64(e.opts.DataNodes)
	if e.opts.DistributionAware && table != "" {
		return int(farm.Fingerprint64([]byte(table))%n) + 1
	}
	return int(uint64(e.nextNode.Inc()-1)%n) + 1
}

// NextAutoIncrement reserves n consecutive values of the table's sequence and returns the first one.
// Sequences start at 1.
func (e *Engine) NextAutoIncrement(table string, n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("invalid auto-increment batch size %d", n)
	}
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	key := seqKey(table)
	val, err := e.store.Get(key)
	if err != nil {
		return 0, errors.Trace(err)
	}
	next := uint64(1)
	if len(val) == 8 {
		next = binary.BigEndian.Uint64(val)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+uint64(n))
	if err := e.store.Write([]Modify{{Key: key, Value: buf}}); err != nil {
		return 0, errors.Trace(err)
	}
	return next, nil
}

// Get reads a committed row. It returns nil when the row does not exist.
func (e *Engine) Get(table string, key []byte) ([]byte, error) {
	return e.store.Get(rowKey(table, key))
}

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) throttle() {
	if e.bucket != nil {
		e.bucket.Wait(1)
	}
}
