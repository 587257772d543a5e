package operation

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/engine"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Support binds operations to engine transactions.
type Support struct {
	logger *zap.Logger
}

func NewSupport(logger *zap.Logger) *Support {
	if logger == nil {
		logger = log.L()
	}
	return &Support{logger: logger}
}

// PrepareOperations defines every key operation on tx. An operation that cannot be defined fails on its own.
func (s *Support) PrepareOperations(tx transaction.NativeTx, ops []transaction.Operation) transaction.PendingOperationSet {
	etx, ok := tx.(*engine.Transaction)
	defined := make([]*engine.Op, 0, len(ops))
	for _, op := range ops {
		kop, isKey := op.(*KeyOperation)
		if !isKey {
			failResult(op.Result(), errors.Errorf("unexpected operation %T in a key operation list", op))
			continue
		}
		kop.result = transaction.OperationResult{}
		kop.op = &engine.Op{
			Type:        kop.Type,
			Table:       kop.Table,
			Key:         kop.Key,
			Value:       kop.Value,
			UniqueIndex: kop.UniqueIndex,
			UniqueValue: kop.UniqueValue,
		}
		if !ok {
			kop.op.Err = errors.Errorf("unsupported native transaction %T", tx)
			continue
		}
		if err := etx.Define(kop.op); err != nil {
			kop.op.Err = err
			continue
		}
		defined = append(defined, kop.op)
	}
	return defined
}

// CompleteExecutedOps attaches the outcome of an execute call to each operation of the list.
func (s *Support) CompleteExecutedOps(h *transaction.Handler, mode transaction.ExecMode, executed *transaction.ExecutedList) {
	txErr := h.LastError()
	for _, op := range executed.Operations {
		switch o := op.(type) {
		case *KeyOperation:
			s.completeKey(o, txErr)
		case *ScanOperation:
			if o.result.Error != nil {
				continue
			}
			if txErr != nil {
				failResult(&o.result, txErr)
				continue
			}
			o.result.Success = true
		default:
			s.logger.Warn("unknown operation type", zap.String("type", fmt.Sprintf("%T", op)))
		}
	}
	if ce := s.logger.Check(zap.DebugLevel, "operations completed"); ce != nil {
		ce.Write(zap.Stringer("tx", h), zap.Stringer("mode", mode), zap.Int("operations", len(executed.Operations)))
	}
}

func (s *Support) completeKey(o *KeyOperation, txErr error) {
	switch {
	case o.op != nil && o.op.Err != nil:
		failResult(&o.result, o.op.Err)
	case txErr != nil:
		failResult(&o.result, txErr)
	case o.op == nil || !o.op.Executed():
		failResult(&o.result, transaction.NewEngineError(0, transaction.ClassInternalError, "operation was not executed"))
	default:
		o.result.Success = true
		o.result.Error = nil
		if o.Type == engine.OpRead {
			o.Value = o.op.Value
		}
	}
}

// GetScanResults reads all rows of a prepared scan.
func (s *Support) GetScanResults(op transaction.Operation, cb func(err error)) {
	so, ok := op.(*ScanOperation)
	if !ok {
		cb(errors.Errorf("unexpected operation %T in a scan list", op))
		return
	}
	cursor, ok := so.cursor.(*engine.ScanCursor)
	if !ok {
		cb(errors.New("scan has no engine cursor"))
		return
	}
	rows, err := cursor.FetchAll()
	if err != nil {
		cb(err)
		return
	}
	so.Rows = rows
	cb(nil)
}

func failResult(res *transaction.OperationResult, err error) {
	oe := transaction.FromEngineError(err)
	if oe.Code == transaction.CodeDuplicateUniqueKey && oe.Cause == nil {
		oe.Cause = oe
	}
	res.Success = false
	res.Error = oe
}
