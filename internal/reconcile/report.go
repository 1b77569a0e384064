package reconcile

import "github.com/roach88/chainsync/internal/ledger"

// Outcome is how one claimed row was settled.
type Outcome struct {
	Namespace string        `json:"namespace"`
	Key       string        `json:"key"`
	Owner     string        `json:"owner"`
	Version   int64         `json:"version"`
	Status    ledger.Status `json:"status"`
	Hash      string        `json:"hash,omitempty"`
	Failure   string        `json:"failure,omitempty"`

	// Err is set when the outcome could not be recorded in the ledger. The
	// row stays pending under its lease and is retried after expiry.
	Err error `json:"-"`
}

// Report summarises one drain.
type Report struct {
	ClaimID  string    `json:"claim_id,omitempty"`
	Outcomes []Outcome `json:"outcomes"`

	// Released counts claimed rows handed back unprocessed because the loop
	// was stopping.
	Released int64 `json:"released,omitempty"`
}

// Confirmed counts outcomes settled as confirmed.
func (r Report) Confirmed() int {
	return r.count(ledger.StatusConfirmed)
}

// Failed counts outcomes settled as failed.
func (r Report) Failed() int {
	return r.count(ledger.StatusFailed)
}

func (r Report) count(status ledger.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status && o.Err == nil {
			n++
		}
	}
	return n
}

// Stats is a snapshot of a Loop's counters since construction.
type Stats struct {
	Ticks     int64 `json:"ticks"`
	Skipped   int64 `json:"skipped"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}
