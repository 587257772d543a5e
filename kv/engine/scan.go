package engine

import (
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
)

// Row is one row returned by a scan.
type Row struct {
	Key   []byte
	Value []byte
}

// ScanCursor streams the committed rows of one table in key order.
type ScanCursor struct {
	tx        *Transaction
	table     string
	batchSize int
	prefix    []byte
	next      []byte
	done      bool
	// ready is set by the execute call that makes the scan's rows available. Guarded by tx.mu.
	ready  bool
	closed bool
}

func newScanCursor(tx *Transaction, table string, batchSize int) *ScanCursor {
	prefix := tablePrefix(table)
	return &ScanCursor{
		tx:        tx,
		table:     table,
		batchSize: batchSize,
		prefix:    prefix,
		next:      prefix,
	}
}

func (c *ScanCursor) Table() string {
	return c.table
}

// NextBatch returns the next rows of the scan. It returns no rows once the scan is exhausted.
func (c *ScanCursor) NextBatch() ([]Row, error) {
	c.tx.mu.Lock()
	ready, closed := c.ready, c.closed
	c.tx.mu.Unlock()
	switch {
	case closed:
		return nil, errors.New("scan cursor is closed")
	case !ready:
		return nil, transaction.NewEngineError(4259, transaction.ClassApplicationError,
			"Scan not executed before fetching rows")
	case c.done:
		return nil, nil
	}
	if err := c.tx.engine.faults.nextScan(); err != nil {
		return nil, err
	}
	pairs, err := c.tx.engine.store.Scan(c.next, prefixEnd(c.prefix), c.batchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(pairs) < c.batchSize {
		c.done = true
	}
	rows := make([]Row, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, Row{Key: p.Key[len(c.prefix):], Value: p.Value})
	}
	if len(pairs) > 0 {
		last := pairs[len(pairs)-1].Key
		c.next = append(append([]byte(nil), last...), 0)
	}
	return rows, nil
}

// FetchAll reads every remaining row.
func (c *ScanCursor) FetchAll() ([]Row, error) {
	var all []Row
	for {
		rows, err := c.NextBatch()
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if c.done {
			return all, nil
		}
	}
}

// Close releases the cursor and runs cb.
func (c *ScanCursor) Close(cb func()) {
	c.tx.mu.Lock()
	c.closed = true
	c.tx.mu.Unlock()
	if cb != nil {
		cb()
	}
}
