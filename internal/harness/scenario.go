package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario drives the ledger, the reconcile loop and a memory chain
// through a fixed sequence of steps and checks the result.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Namespace and Owner bind the state space. Default "ns" and "owner".
	Namespace string `yaml:"namespace,omitempty"`
	Owner     string `yaml:"owner,omitempty"`

	// BatchSize and Lease configure the loop. Zero values use the loop
	// defaults.
	BatchSize int    `yaml:"batch_size,omitempty"`
	Lease     string `yaml:"lease,omitempty"`

	// TxHash, when set, is returned for every confirmed write. Otherwise
	// the n-th chain write returns "0xtx<n>".
	TxHash string `yaml:"tx_hash,omitempty"`

	// Chain seeds the chain before the first step. Seed writes count
	// towards the transaction numbering.
	Chain []ChainRecord `yaml:"chain,omitempty"`

	// FailWrites makes every chain write of a key fail. Values are
	// "reverted", "timeout" or "stale".
	FailWrites map[string]string `yaml:"fail_writes,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ChainRecord is one seeded chain value.
type ChainRecord struct {
	Key     string `yaml:"key"`
	Value   string `yaml:"value"`
	Version int64  `yaml:"version"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Put      *PutStep      `yaml:"put,omitempty"`
	Get      *GetStep      `yaml:"get,omitempty"`
	Tick     *TickStep     `yaml:"tick,omitempty"`
	Abandon  *AbandonStep  `yaml:"abandon,omitempty"`
	Resubmit *ResubmitStep `yaml:"resubmit,omitempty"`

	// Advance moves the ledger clock forward, e.g. "15m".
	Advance string `yaml:"advance,omitempty"`
}

// PutStep writes through the state space.
type PutStep struct {
	Key     string `yaml:"key"`
	Value   string `yaml:"value"`
	Version int64  `yaml:"version"`

	// Expect is "accepted" or "rejected". Empty skips the check.
	Expect string `yaml:"expect,omitempty"`
}

// GetStep reads through the state space.
type GetStep struct {
	Key    string     `yaml:"key"`
	Expect *GetExpect `yaml:"expect,omitempty"`
}

// GetExpect is the expected result of a GetStep.
type GetExpect struct {
	Value    string `yaml:"value,omitempty"`
	Version  int64  `yaml:"version,omitempty"`
	NotFound bool   `yaml:"not_found,omitempty"`
}

// TickStep runs one drain. Nil counts skip the check.
type TickStep struct {
	Confirmed *int `yaml:"confirmed,omitempty"`
	Failed    *int `yaml:"failed,omitempty"`
}

// AbandonStep claims rows under the claim ID "crashed" and never settles
// them, as a drain that died mid-batch would.
type AbandonStep struct {
	Limit int `yaml:"limit"`
}

// ResubmitStep moves a failed row back to pending.
type ResubmitStep struct {
	Key     string `yaml:"key"`
	Version int64  `yaml:"version"`
}

// Assertion validates the final ledger, chain or trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key and Version select a ledger row (entry) or chain record (chain).
	// Version 0 selects the latest row.
	Key     string `yaml:"key,omitempty"`
	Version int64  `yaml:"version,omitempty"`

	// Expect holds field values (subset match) for entry and chain.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Op and Status select what trace_count and status_count count.
	Op     string `yaml:"op,omitempty"`
	Status string `yaml:"status,omitempty"`
	Count  int    `yaml:"count"`
}

// Assertion type constants.
const (
	AssertEntry       = "entry"
	AssertChain       = "chain"
	AssertTraceCount  = "trace_count"
	AssertStatusCount = "status_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Lease != "" {
		if _, err := time.ParseDuration(s.Lease); err != nil {
			return fmt.Errorf("lease: %w", err)
		}
	}

	for i, c := range s.Chain {
		if c.Key == "" || c.Version < 1 {
			return fmt.Errorf("chain[%d]: key and a positive version are required", i)
		}
	}
	for key, kind := range s.FailWrites {
		if _, ok := failureKinds[kind]; !ok {
			return fmt.Errorf("fail_writes[%s]: unknown failure %q", key, kind)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	set := 0
	if s.Put != nil {
		set++
		if s.Put.Key == "" {
			return fmt.Errorf("steps[%d].put: key is required", index)
		}
		switch s.Put.Expect {
		case "", "accepted", "rejected":
		default:
			return fmt.Errorf("steps[%d].put: expect must be accepted or rejected, got %q", index, s.Put.Expect)
		}
	}
	if s.Get != nil {
		set++
		if s.Get.Key == "" {
			return fmt.Errorf("steps[%d].get: key is required", index)
		}
	}
	if s.Tick != nil {
		set++
	}
	if s.Abandon != nil {
		set++
	}
	if s.Resubmit != nil {
		set++
		if s.Resubmit.Key == "" {
			return fmt.Errorf("steps[%d].resubmit: key is required", index)
		}
	}
	if s.Advance != "" {
		set++
		if _, err := time.ParseDuration(s.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEntry, AssertChain:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	case AssertStatusCount:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
