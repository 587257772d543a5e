package tinytxn

/*
TinyTxn is a callback-driven transaction layer for teaching and experimentation. It sits between a client session and
a partitioned storage engine, and turns lists of key and scan operations into engine transactions.

A transaction handler opens its engine transaction lazily on the first operation list, defers calls that arrive while
the open is still in flight, and runs every completion through the same pipeline: per-operation results are attached,
transaction records are released exactly once, deferred work is drained and only then is the caller's callback run.
Scans that time out while fetching rows are restarted a bounded number of times per handler.

The `tinytxn` module is organized into the following packages:

* `kv/transaction`: the transaction handler state machine, execution modes, errors and handler metrics.
* `kv/session`: sessions, which own the exec queue every handler goes through and account open transaction records.
* `kv/operation`: key and scan operations, the operation support used to prepare and complete them, and
  auto-increment values.
* `kv/engine`: the storage engine the handlers talk to, with an in-memory and a badger backed store.
* `kv/config`: TOML configuration and logger setup.
* `kv/util/worker`: the FIFO exec queue.
* `kv/txn-bench`: a benchmark driving sessions with load and run workloads.
*/
