package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/formulabench/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [formulas-dir]",
		Short: "Validate formulas without compiling bodies",
		Long: `Validate CUE formula definitions without building artifacts.

Checks input declarations, constraints, defaults and the body's syntax and
references. Faster than compile for development feedback.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, formulasDir(rootOpts, args), cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	// Load without compiling formulas; validateAll decodes each one itself
	loadResult, loadErrors := LoadFormulaDir(dir, LoadModeFailFast)
	if loadResult == nil && len(loadErrors) > 0 {
		code, message := parseCompileError(loadErrors[0])
		return formatter.Fail(ExitCommandError, code, message)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)

	validationErrors := validateAll(loadResult.CUEValue, formatter)
	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	return outputValidateSuccess(formatter)
}

// validateAll decodes and checks every formula in the CUE value, collecting
// every error.
func validateAll(value cue.Value, formatter *OutputFormatter) []compiler.ValidationError {
	var allErrors []compiler.ValidationError

	count := 0
	formulasVal := value.LookupPath(cue.ParsePath("formula"))
	if formulasVal.Exists() {
		iter, err := formulasVal.Fields()
		if err != nil {
			return []compiler.ValidationError{{Field: "formula", Message: err.Error(), Code: ErrCodeGeneric}}
		}
		for iter.Next() {
			count++
			id := iter.Selector().String()
			formatter.VerboseLog("Validating formula: %s", id)

			schema, compileErr := compiler.CompileFormula(iter.Value())
			if compileErr != nil {
				var cErr *compiler.CompileError
				if errors.As(compileErr, &cErr) {
					allErrors = append(allErrors, compiler.ValidationError{
						Field:   "formula." + id + "." + cErr.Field,
						Message: cErr.Message,
						Code:    MapFieldToErrorCode(cErr.Field),
						Line:    lineOf(cErr.Pos),
					})
				} else {
					allErrors = append(allErrors, compiler.ValidationError{
						Field:   "formula." + id,
						Message: compileErr.Error(),
						Code:    ErrCodeGeneric,
					})
				}
				continue
			}

			allErrors = append(allErrors, compiler.Validate(schema)...)
		}
	}

	if count == 0 && len(allErrors) == 0 {
		allErrors = append(allErrors, compiler.ValidationError{
			Field:   "formulas",
			Message: "no formulas found",
			Code:    ErrCodeGeneric,
		})
	}

	return allErrors
}

// lineOf extracts the line number from a CUE position.
func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}

	fmt.Fprintln(formatter.Writer, "✓ All formulas valid")
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
