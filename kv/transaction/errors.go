package transaction

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Engine error classifications.
const (
	ClassNoError             = "NoError"
	ClassApplicationError    = "ApplicationError"
	ClassNoDataFound         = "NoDataFound"
	ClassConstraintViolation = "ConstraintViolation"
	ClassSchemaError         = "SchemaError"
	ClassTemporaryResource   = "TemporaryResourceError"
	ClassOverloadError       = "OverloadError"
	ClassTimeoutExpired      = "TimeoutExpired"
	ClassUnknownResult       = "UnknownResultError"
	ClassInternalError       = "InternalError"
	ClassUnknownErrorCode    = "UnknownErrorCode"
)

// Engine error codes the coordinator and the reference engine care about.
const (
	CodeNoDataFound        = 626
	CodeTupleExists        = 630
	CodeDuplicateUniqueKey = 893
	CodeTimeoutExpired     = 266
	CodeClusterFailure     = 4009
	CodeAlreadyClosed      = 4350
)

// EngineError is the engine-native error signal. It never reaches a caller of the coordinator; every one of
// them is converted by FromEngineError first.
type EngineError struct {
	Code           int
	Classification string
	Message        string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d (%s): %s", e.Code, e.Classification, e.Message)
}

// NewEngineError builds an engine error signal.
func NewEngineError(code int, classification, message string) *EngineError {
	return &EngineError{Code: code, Classification: classification, Message: message}
}

// OperationError is the uniform error shape surfaced to callers and attached to operation results.
type OperationError struct {
	Code           int
	SQLState       string
	Classification string
	Message        string
	// Cause references the error this one was derived from. For a duplicate value in a unique index it
	// references the OperationError itself.
	Cause error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("[%s] %d %s: %s", e.SQLState, e.Code, e.Classification, e.Message)
}

func sqlState(classification string) string {
	switch classification {
	case ClassConstraintViolation:
		return "23000"
	case ClassNoDataFound:
		return "02000"
	}
	return "HY000"
}

// FromEngineError converts any error coming back from the engine into an OperationError. Errors that are
// already OperationErrors pass through unchanged.
func FromEngineError(err error) *OperationError {
	if err == nil {
		return nil
	}
	switch e := errors.Cause(err).(type) {
	case *OperationError:
		return e
	case *EngineError:
		return &OperationError{
			Code:           e.Code,
			SQLState:       sqlState(e.Classification),
			Classification: e.Classification,
			Message:        e.Message,
		}
	}
	return &OperationError{
		SQLState:       "HY000",
		Classification: ClassUnknownErrorCode,
		Message:        err.Error(),
		Cause:          err,
	}
}

// IsDuplicateKey reports whether err was produced by a duplicate value in a unique index.
func IsDuplicateKey(err error) bool {
	oe, ok := errors.Cause(err).(*OperationError)
	return ok && oe.Cause == error(oe)
}

// IsTimeout reports whether err is classified as an expired timeout.
func IsTimeout(err error) bool {
	switch e := errors.Cause(err).(type) {
	case *EngineError:
		return e.Classification == ClassTimeoutExpired
	case *OperationError:
		return e.Classification == ClassTimeoutExpired
	}
	return false
}
