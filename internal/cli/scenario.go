package cli

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern on the file name)
	Trace  bool   // print each scenario's trace
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// ScenarioRunResult holds the overall result.
type ScenarioRunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Replay reconciliation scenarios",
		Long: `Replay YAML scenarios against the reconciliation engine.

Each scenario scripts snapshot results, change feed and broadcast
events, optimistic inserts, retries and rebinds, and checks the view
after each step and at the end. Directories are searched for .yaml and
.yml files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing path, unparseable scenario)

Examples:
  bookmarks scenario ./scenarios
  bookmarks scenario ./scenarios --filter "rebind*" --trace
  bookmarks scenario ./scenarios/loading.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the step trace")

	return cmd
}

func runScenarios(opts *ScenarioOptions, cmd *cobra.Command, paths []string) error {
	formatter := opts.formatter(cmd)

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenario path %s", p), err)
		}
		files = append(files, found...)
	}

	result := ScenarioRunResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}

	if len(files) == 0 {
		if formatter.JSON() {
			return formatter.Success(result)
		}
		return formatter.Success("No scenarios found.")
	}

	for _, file := range files {
		sr, err := runScenarioFile(file, opts.Trace)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("run %s", file), err)
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if formatter.JSON() {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeScenarioText(formatter, result, opts.Trace)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles returns path itself if it is a file, or every YAML
// file under it, sorted.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func runScenarioFile(path string, withTrace bool) (ScenarioResult, error) {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{}, err
	}

	slog.Debug("running scenario", "name", scenario.Name, "file", path)
	res, err := harness.RunWithLogger(scenario, slog.Default())
	if err != nil {
		return ScenarioResult{}, err
	}

	sr := ScenarioResult{
		Name:   scenario.Name,
		File:   path,
		Pass:   res.Pass,
		Errors: res.Errors,
	}
	if withTrace {
		sr.Trace = res.Trace
	}
	return sr, nil
}

func writeScenarioText(formatter *OutputFormatter, result ScenarioRunResult, withTrace bool) {
	w := formatter.Writer
	pass := color.New(color.FgGreen).Sprint("PASS")
	fail := color.New(color.FgRed).Sprint("FAIL")

	for _, sr := range result.Scenarios {
		status := pass
		if !sr.Pass {
			status = fail
		}
		fmt.Fprintf(w, "%s %s\n", status, sr.Name)
		for _, msg := range sr.Errors {
			fmt.Fprintf(w, "    %s\n", msg)
		}
		if withTrace {
			for _, ev := range sr.Trace {
				fmt.Fprintf(w, "    %3d %-10s %-6s %v\n", ev.Step, ev.Source, ev.State, ev.IDs)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
