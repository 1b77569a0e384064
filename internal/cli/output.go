package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/config"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran and the operation failed
	ExitCommandError = 2 // the command could not run: bad flags, config or ledger path
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps a command error to its exit code. Bad configuration,
// whether from the loader or the chain dialer, is a command error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	var cfgErr *config.Error
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &cfgErr), errors.Is(err, chain.ErrMisconfigured):
		return ExitCommandError
	default:
		return ExitFailure
	}
}

// Response is the envelope written by every command under --format json.
type Response struct {
	Status string      `json:"status"` // ok or error
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed command in a Response.
type ErrorBody struct {
	Code    string      `json:"code"` // E_NOT_FOUND, E_STALE, ...
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Printer writes command results as text or as a JSON Response.
type Printer struct {
	JSON    bool
	Out     io.Writer
	Diag    io.Writer // --verbose notes, kept off Out so JSON stays parseable
	Verbose bool
}

// Render writes data as an ok Response, or calls text for the
// human-readable form.
func (p *Printer) Render(data interface{}, text func(w io.Writer)) error {
	if !p.JSON {
		text(p.Out)
		return nil
	}
	return p.Write(Response{Status: "ok", Data: data})
}

// Fail returns message as an ExitError. Under JSON it first writes an
// error Response; in text mode the returned error is the only report.
func (p *Printer) Fail(exitCode int, code, message string, details interface{}) error {
	if p.JSON {
		err := p.Write(Response{
			Status: "error",
			Error:  &ErrorBody{Code: code, Message: message, Details: details},
		})
		if err != nil {
			return err
		}
	}
	return NewExitError(exitCode, message)
}

// Write encodes resp as one JSON line on Out.
func (p *Printer) Write(resp Response) error {
	return json.NewEncoder(p.Out).Encode(resp)
}

// Notef writes a line to Diag under --verbose.
func (p *Printer) Notef(format string, args ...interface{}) {
	if !p.Verbose {
		return
	}
	w := p.Diag
	if w == nil {
		w = p.Out
	}
	fmt.Fprintf(w, format+"\n", args...)
}
