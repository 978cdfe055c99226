package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/formulabench/internal/ir"
)

// Scenario defines a verification scenario: edits and calculations applied
// to one formula's rows, with expected outcomes.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Formulas is the path of a CUE file defining one or more formulas.
	// Relative paths are resolved against the scenario file's directory.
	Formulas string `yaml:"formulas"`

	// Formula selects the formula by id. Defaults to the first one defined.
	Formula string `yaml:"formula,omitempty"`

	// Rows is the number of rows to create. Defaults to 1.
	Rows int `yaml:"rows,omitempty"`

	// Steps are applied in order. Each step performs exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and row state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Step performs one action and optionally checks a row afterwards.
type Step struct {
	// Edit writes a cell the way a user would.
	Edit *EditStep `yaml:"edit,omitempty"`

	// Advance moves virtual time forward, firing due timers.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Calculate manually recalculates one row.
	Calculate *RowRef `yaml:"calculate,omitempty"`

	// CalculateAll runs a batch calculation over every valid row.
	CalculateAll bool `yaml:"calculate_all,omitempty"`

	// Expect checks a row after the action.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EditStep is a single cell edit. Clear deletes the cell instead of writing
// Value; a YAML null Value writes an explicit null.
type EditStep struct {
	Row    int    `yaml:"row"`
	Column string `yaml:"column"`
	Value  any    `yaml:"value"`
	Clear  bool   `yaml:"clear,omitempty"`
}

// RowRef names a row by index.
type RowRef struct {
	Row int `yaml:"row"`
}

// ExpectClause specifies a row's expected state.
type ExpectClause struct {
	Row int `yaml:"row"`

	// Result is the expected result. Compared after conversion to IR.
	Result any `yaml:"result,omitempty"`

	// NoResult expects the result to be absent.
	NoResult bool `yaml:"no_result,omitempty"`

	// Error is the expected error message. Empty means no check.
	Error string `yaml:"error,omitempty"`

	// Valid is the expected validity flag.
	Valid *bool `yaml:"valid,omitempty"`

	// Phase is the expected calculation phase, e.g. "computed".
	Phase string `yaml:"phase,omitempty"`
}

// Assertion validates the trace or final row state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an event appears in the trace
	// - "trace_order": Check calculation triggers appear in order
	// - "trace_count": Check matching events appear exactly N times
	// - "final_state": Compare a row's persisted cells
	Type string `yaml:"type"`

	// Event filters by event type, "cell_update" or "calculation"
	// (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Row filters by row index (trace_contains, trace_count) or selects the
	// row (final_state).
	Row *int `yaml:"row,omitempty"`

	// Trigger filters calculations by trigger (trace_contains, trace_count).
	Trigger string `yaml:"trigger,omitempty"`

	// Success filters calculations by outcome (trace_contains, trace_count).
	Success *bool `yaml:"success,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Triggers is the expected order of first occurrence (trace_order).
	Triggers []string `yaml:"triggers,omitempty"`

	// Expect maps column ids to expected values (final_state). Derived
	// columns use their reserved names, e.g. "$result". A null expects the
	// cell to be absent or null.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file, resolving the
// formulas path against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the formulas path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Formulas != "" && !filepath.IsAbs(scenario.Formulas) && basePath != "" {
		scenario.Formulas = filepath.Join(basePath, scenario.Formulas)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// FindScenarios returns the scenario files under dir, sorted by path.
func FindScenarios(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Formulas == "" {
		return fmt.Errorf("formulas path is required")
	}
	if _, err := os.Stat(s.Formulas); os.IsNotExist(err) {
		return fmt.Errorf("formulas file not found: %s", s.Formulas)
	}

	if s.Rows < 0 {
		return fmt.Errorf("rows must be non-negative")
	}
	if s.Rows == 0 {
		s.Rows = 1
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, s.Rows); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s.Rows); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks that a step performs exactly one action.
func validateStep(index int, step *Step, rows int) error {
	actions := 0
	if step.Edit != nil {
		actions++
		if step.Edit.Column == "" {
			return fmt.Errorf("steps[%d]: edit column is required", index)
		}
		if err := checkRow(step.Edit.Row, rows); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if _, err := ir.FromAny(step.Edit.Value); err != nil {
			return fmt.Errorf("steps[%d]: edit value: %w", index, err)
		}
	}
	if step.Advance != 0 {
		actions++
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if step.Calculate != nil {
		actions++
		if err := checkRow(step.Calculate.Row, rows); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	if step.CalculateAll {
		actions++
	}

	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of edit, advance, calculate, calculate_all is required", index)
	}

	if step.Expect != nil {
		if err := checkRow(step.Expect.Row, rows); err != nil {
			return fmt.Errorf("steps[%d].expect: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, rows int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Row != nil {
		if err := checkRow(*a.Row, rows); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	}

	switch a.Event {
	case "", EventCellUpdate, EventCalculation:
	default:
		return fmt.Errorf("assertions[%d]: unknown event type %q", index, a.Event)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Triggers) == 0 {
			return fmt.Errorf("assertions[%d]: triggers list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Row == nil {
			return fmt.Errorf("assertions[%d]: row is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func checkRow(row, rows int) error {
	if row < 0 || row >= rows {
		return fmt.Errorf("row %d out of range [0, %d)", row, rows)
	}
	return nil
}
