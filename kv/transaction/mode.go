package transaction

// ExecMode selects how an engine execute call finalizes the native transaction.
type ExecMode int

const (
	// NoCommit sends the defined operations and keeps the transaction open.
	NoCommit ExecMode = iota
	Commit
	Rollback
)

var modeNames = [...]string{
	NoCommit: "noCommit",
	Commit:   "commit",
	Rollback: "rollback",
}

func (m ExecMode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// Finalizing reports whether the mode closes the native transaction.
func (m ExecMode) Finalizing() bool {
	return m == Commit || m == Rollback
}

// AbortOption governs whether the engine aborts the whole transaction on a per-operation error.
type AbortOption int

const (
	AbortOnError AbortOption = iota
	IgnoreError
	// DefaultAbort leaves the choice to the engine, which aborts on error.
	DefaultAbort
)

func (o AbortOption) String() string {
	switch o {
	case AbortOnError:
		return "abortOnError"
	case IgnoreError:
		return "ignoreError"
	case DefaultAbort:
		return "defaultAbort"
	}
	return "unknown"
}
