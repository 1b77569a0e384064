package harness

// TraceEvent is one observable step of a scenario run: a façade call, a
// drain, a clock change or a chain call made by the loop or the façade.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Op      string `json:"op"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Version int64  `json:"version,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Trace operations.
const (
	OpPut        = "put"
	OpGet        = "get"
	OpTick       = "tick"
	OpAbandon    = "abandon"
	OpAdvance    = "advance"
	OpResubmit   = "resubmit"
	OpChainRead  = "chain.read"
	OpChainWrite = "chain.write"
)

// LedgerRow is the part of a ledger entry a scenario snapshot records.
// Timestamps and claim IDs are left out so snapshots stay stable.
type LedgerRow struct {
	Key      string `json:"key"`
	Version  int64  `json:"version"`
	Value    string `json:"value"`
	Status   string `json:"status"`
	Hash     string `json:"hash,omitempty"`
	Failure  string `json:"failure,omitempty"`
	Attempts int    `json:"attempts"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists every traced event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`

	// Ledger is the final content of the ledger in drain order.
	Ledger []LedgerRow `json:"ledger"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Ledger: []LedgerRow{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event, numbering it after the last one.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
