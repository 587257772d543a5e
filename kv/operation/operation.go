package operation

import (
	"github.com/pingcap-incubator/tinytxn/kv/engine"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
)

// KeyOperation reads or writes a single row.
type KeyOperation struct {
	Type  engine.OpType
	Table string
	Key   []byte
	// Value is written by writes and filled in by reads.
	Value       []byte
	UniqueIndex string
	UniqueValue []byte
	// AutoIncrement asks for a key generated from the table's sequence. The key is the 8-byte big-endian value.
	AutoIncrement bool
	AutoIncValue  uint64

	op     *engine.Op
	result transaction.OperationResult
}

func NewRead(table string, key []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpRead, Table: table, Key: key}
}

func NewInsert(table string, key, value []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpInsert, Table: table, Key: key, Value: value}
}

func NewUpdate(table string, key, value []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpUpdate, Table: table, Key: key, Value: value}
}

func NewWrite(table string, key, value []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpWrite, Table: table, Key: key, Value: value}
}

func NewDelete(table string, key []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpDelete, Table: table, Key: key}
}

// NewAutoIncInsert inserts value under a key generated from the table's sequence.
func NewAutoIncInsert(table string, value []byte) *KeyOperation {
	return &KeyOperation{Type: engine.OpInsert, Table: table, Value: value, AutoIncrement: true}
}

// WithUniqueIndex makes the row own value in the table's unique index name.
func (o *KeyOperation) WithUniqueIndex(name string, value []byte) *KeyOperation {
	o.UniqueIndex = name
	o.UniqueValue = value
	return o
}

func (o *KeyOperation) IsScan() bool { return false }

func (o *KeyOperation) TableName() string { return o.Table }

func (o *KeyOperation) PrepareScan(tx transaction.NativeTx, cb func(cursor transaction.ScanCursor, err error)) {
	cb(nil, errors.New("key operation cannot be scanned"))
}

func (o *KeyOperation) ScanCursor() transaction.ScanCursor { return nil }

func (o *KeyOperation) SetScanCursor(transaction.ScanCursor) {}

func (o *KeyOperation) Result() *transaction.OperationResult { return &o.result }

// ScanOperation reads every row of a table.
type ScanOperation struct {
	Table string
	Rows  []engine.Row

	cursor transaction.ScanCursor
	result transaction.OperationResult
}

func NewScan(table string) *ScanOperation {
	return &ScanOperation{Table: table}
}

func (o *ScanOperation) IsScan() bool { return true }

func (o *ScanOperation) TableName() string { return o.Table }

// PrepareScan opens the scan on the native transaction.
func (o *ScanOperation) PrepareScan(tx transaction.NativeTx, cb func(cursor transaction.ScanCursor, err error)) {
	o.result = transaction.OperationResult{}
	o.Rows = nil
	etx, ok := tx.(*engine.Transaction)
	if !ok {
		cb(nil, errors.Errorf("unsupported native transaction %T", tx))
		return
	}
	cursor, err := etx.OpenScan(o.Table)
	if err != nil {
		cb(nil, err)
		return
	}
	cb(cursor, nil)
}

func (o *ScanOperation) ScanCursor() transaction.ScanCursor { return o.cursor }

func (o *ScanOperation) SetScanCursor(cursor transaction.ScanCursor) { o.cursor = cursor }

func (o *ScanOperation) Result() *transaction.OperationResult { return &o.result }
