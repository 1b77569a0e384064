package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Error reports an unusable configuration. The CLI maps it to the
// command-error exit code.
type Error struct {
	// Source is the config file, empty when only defaults and environment
	// were used.
	Source string
	Issues []string
}

func (e *Error) Error() string {
	msg := "invalid configuration: " + strings.Join(e.Issues, "; ")
	if e.Source != "" {
		return e.Source + ": " + msg
	}
	return msg
}

// Validate checks c against the embedded schema, then checks the
// relationships between fields the schema cannot express.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return &Error{Issues: []string{fmt.Sprintf("encode config: %v", err)}}
	}

	var issues []string
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			issues = append(issues, describe(e))
		}
	}

	if c.Loop.WriteTimeout > 0 && c.Loop.Lease > 0 && c.Loop.WriteTimeout >= c.Loop.Lease {
		issues = append(issues, fmt.Sprintf("loop.write_timeout (%s) must be shorter than loop.lease (%s)",
			c.Loop.WriteTimeout, c.Loop.Lease))
	}
	if c.Chain.Type == ChainMemory && c.Chain.Snapshot == "" {
		issues = append(issues, "chain.snapshot is required for the memory chain")
	}

	if len(issues) > 0 {
		return &Error{Issues: issues}
	}
	return nil
}

// describe renders a CUE error as "path: message".
func describe(e cueerrors.Error) string {
	format, args := e.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := strings.Join(e.Path(), "."); path != "" {
		return path + ": " + msg
	}
	return msg
}
