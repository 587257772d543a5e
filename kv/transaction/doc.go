package transaction

// The transaction package coordinates the execution of one logical transaction against the storage engine. A
// Handler owns the lifecycle of the transaction: it opens the engine's native transaction on the first non-empty
// Execute, runs every operation list through one of two execution protocols, and finalizes with Commit or
// Rollback. Callers never see engine errors directly; every outcome travels through a Callback as an
// OperationError (see errors.go).
//
// ## Opening
//
// A Handler starts Unopened. The first Execute reserves transaction capacity with the Session and schedules a
// start-transaction call; the handler is then Opening. Execute, Commit and Rollback calls that arrive while the
// handler is Opening are queued and replayed one at a time, in arrival order, each time a completion runs. Once
// the native transaction is returned the handler is Open and later calls go straight to a protocol. There is no
// way back to Unopened: a handler whose open failed is abandoned.
//
// ## Engine calls
//
// All engine calls are scheduled on the Session's exec queue (see kv/util/worker), so a handler never has two
// engine calls in flight against its native transaction. A call either blocks the queue goroutine
// (NativeTx.ExecuteAndClose) or hands the work to the session's AsyncContext and completes from its goroutine.
//
// ## Key operations
//
// Lists without a scan fetch the auto-increment values they need, prepare every operation against the native
// transaction, and are sent with a single execute call in the requested mode.
//
// ## Scans
//
// A scan list holds exactly one scan. The scan cursor is prepared, then the transaction is executed NoCommit so
// rows can be streamed, the rows are fetched and the cursor is closed. A fetch that fails with a timeout restarts
// the scan from the prepare step; a handler allows DefaultScanRetryLimit such restarts over its whole life. Any
// other fetch failure is attached to the scan's result and the transaction is rolled back. On success a NoCommit
// request is already satisfied, anything else is finalized with one more execute call.
//
// ## Completion
//
// Every path ends in onExecute (complete.go): record lastSuccess/lastError, return the reserved capacity if the
// call finalized the transaction, replay one deferred call, attach per-operation results, run the callback. A
// duplicate value in a unique index yields an OperationError whose Cause is the error itself; IsDuplicateKey
// checks for that.
