package operation

import (
	"encoding/binary"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
)

// Sequencer hands out ranges of per-table auto-increment values.
type Sequencer interface {
	NextAutoIncrement(table string, n int) (uint64, error)
}

// AutoIncHandler fills in the keys of the auto-increment inserts of one operation list.
type AutoIncHandler struct {
	seq     Sequencer
	tables  []string
	byTable map[string][]*KeyOperation
	needed  int
}

// NewAutoIncFactory returns the factory handed to transaction handlers.
func NewAutoIncFactory(seq Sequencer) transaction.AutoIncrementFactory {
	return func(ops []transaction.Operation) transaction.AutoIncrementer {
		return NewAutoIncHandler(seq, ops)
	}
}

func NewAutoIncHandler(seq Sequencer, ops []transaction.Operation) *AutoIncHandler {
	h := &AutoIncHandler{seq: seq, byTable: make(map[string][]*KeyOperation)}
	for _, op := range ops {
		kop, ok := op.(*KeyOperation)
		if !ok || !kop.AutoIncrement || kop.Key != nil {
			continue
		}
		if _, seen := h.byTable[kop.Table]; !seen {
			h.tables = append(h.tables, kop.Table)
		}
		h.byTable[kop.Table] = append(h.byTable[kop.Table], kop)
		h.needed++
	}
	return h
}

func (h *AutoIncHandler) ValuesNeeded() int {
	return h.needed
}

// GetAllValues reserves one value per operation, table by table, and assigns the keys.
func (h *AutoIncHandler) GetAllValues(cb func(err error)) {
	for _, table := range h.tables {
		ops := h.byTable[table]
		first, err := h.seq.NextAutoIncrement(table, len(ops))
		if err != nil {
			cb(errors.Annotatef(err, "auto-increment for table %s", table))
			return
		}
		for i, op := range ops {
			op.AutoIncValue = first + uint64(i)
			op.Key = EncodeAutoIncKey(op.AutoIncValue)
		}
	}
	cb(nil)
}

// EncodeAutoIncKey encodes a generated value as a row key that sorts in value order.
func EncodeAutoIncKey(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}
