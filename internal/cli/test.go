package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/harness"
	"github.com/roach88/chainsync/internal/ledger"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario name glob
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name      string   `json:"name"`
	Pass      bool     `json:"pass"`
	Confirmed int      `json:"confirmed"`
	Failed    int      `json:"failed"`
	Pending   int      `json:"pending"`
	Errors    []string `json:"errors,omitempty"`

	note string // extra text after the name, e.g. "golden updated"
}

// TestResult is the test command's output.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run reconciliation scenarios",
		Long: `Run scenario files against a fresh in-memory ledger and chain, checking
step expectations and assertions, and comparing the trace and final
ledger with <scenarios-dir>/golden/<name>.golden when it exists.

The configured ledger and chain are not used.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  chainsync test ./scenarios
  chainsync test ./scenarios --filter "stale*"
  chainsync test ./scenarios --update
  chainsync test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose file name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	out := newPrinter(cmd, opts.RootOptions)
	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}

	for _, file := range files {
		sr := checkScenario(file, opts.Update, out)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
		if opts.Format != "json" {
			writeScenarioResult(out.Out, sr)
		}
	}

	if result.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
		if opts.Format == "json" {
			if err := out.Write(Response{
				Status: "error",
				Data:   result,
				Error:  &ErrorBody{Code: "E_TEST_FAILED", Message: msg},
			}); err != nil {
				return err
			}
		} else {
			writeTestSummary(out.Out, result)
		}
		return NewExitError(ExitFailure, msg)
	}

	return out.Render(result, func(w io.Writer) {
		if result.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		writeTestSummary(w, result)
	})
}

// checkScenario loads, runs and judges one scenario file. With update set
// the golden file is rewritten instead of compared.
func checkScenario(file string, update bool, out *Printer) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	sr := ScenarioResult{Name: scenario.Name}
	result, err := harness.Run(scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	out.Notef("%s: %d trace events, %d ledger rows", scenario.Name, len(result.Trace), len(result.Ledger))

	for _, row := range result.Ledger {
		switch ledger.Status(row.Status) {
		case ledger.StatusConfirmed:
			sr.Confirmed++
		case ledger.StatusFailed:
			sr.Failed++
		default:
			sr.Pending++
		}
	}

	goldenPath := goldenFilePath(file)
	switch {
	case update:
		if err := writeGolden(goldenPath, scenario.Name, result); err != nil {
			sr.Errors = []string{fmt.Sprintf("failed to update golden file: %v", err)}
			return sr
		}
		sr.Pass, sr.note = true, "golden updated"
		return sr

	case fileExists(goldenPath):
		match, err := matchesGolden(goldenPath, scenario.Name, result)
		if err != nil {
			sr.Errors = []string{fmt.Sprintf("golden comparison failed: %v", err)}
			return sr
		}
		if !match {
			sr.Errors = []string{"snapshot does not match golden file"}
			return sr
		}
	}

	sr.Pass = result.Pass
	sr.Errors = result.Errors
	return sr
}

func writeScenarioResult(w io.Writer, sr ScenarioResult) {
	if sr.Pass {
		if sr.note != "" {
			fmt.Fprintf(w, "✓ %s (%s)\n", sr.Name, sr.note)
		} else {
			fmt.Fprintf(w, "✓ %s\n", sr.Name)
		}
		return
	}

	fmt.Fprintf(w, "✗ %s\n", sr.Name)
	for _, e := range sr.Errors {
		if e == "snapshot does not match golden file" {
			fmt.Fprintln(w, "  Golden file mismatch (run with --update to regenerate)")
			continue
		}
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func writeTestSummary(w io.Writer, r TestResult) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	if r.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}

// findScenarioFiles returns the .yaml and .yml files under dir, skipping
// golden directories. A non-empty filter is matched against the file name
// without its extension.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// goldenFilePath maps dir/name.yaml to dir/golden/name.golden.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeGolden(path, name string, result *harness.Result) error {
	data, err := harness.Snapshot(name, result)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}

func matchesGolden(path, name string, result *harness.Result) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read golden file: %w", err)
	}
	got, err := harness.Snapshot(name, result)
	if err != nil {
		return false, fmt.Errorf("snapshot %s: %w", name, err)
	}
	return bytes.Equal(want, got), nil
}
