package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/formulabench/internal/compiler"
	"github.com/roach88/formulabench/internal/ir"
)

// LoadMode controls how errors are handled during formula loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the results of loading formulas from a directory.
type LoadResult struct {
	Formulas  []ir.FormulaSchema
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during formula loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadFormulaDir loads and compiles the CUE formulas in a directory.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadFormulaDir(dir string, mode LoadMode) (*LoadResult, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("formulas directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing formulas directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}

	formulasVal := value.LookupPath(cue.ParsePath("formula"))
	if formulasVal.Exists() {
		iter, iterErr := formulasVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating formulas: %v", iterErr)})
			return result, errs
		}
		for iter.Next() {
			schema, compileErr := compiler.CompileFormula(iter.Value())
			if compileErr != nil {
				errs = append(errs, convertCompileError(compileErr, "formula."+iter.Selector().String()))
				if mode == LoadModeFailFast {
					return result, errs
				}
				continue
			}
			result.Formulas = append(result.Formulas, *schema)
		}
	}

	if len(result.Formulas) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no formulas found"})
	}

	return result, errs
}

// loadFormulas loads a directory fail-fast and rejects formulas that do not
// pass schema validation.
func loadFormulas(dir string) ([]ir.FormulaSchema, error) {
	result, errs := LoadFormulaDir(dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	for _, f := range result.Formulas {
		if verrs := compiler.Validate(f); len(verrs) > 0 {
			return nil, fmt.Errorf("formula %s: %w", f.ID, verrs[0])
		}
	}
	return result.Formulas, nil
}

// selectFormula returns the formula with the given id, or the first one
// when id is empty.
func selectFormula(formulas []ir.FormulaSchema, id string) (ir.FormulaSchema, error) {
	if len(formulas) == 0 {
		return ir.FormulaSchema{}, errors.New("no formulas loaded")
	}
	if id == "" {
		return formulas[0], nil
	}
	for _, f := range formulas {
		if f.ID == id {
			return f, nil
		}
	}
	return ir.FormulaSchema{}, fmt.Errorf("unknown formula %q", id)
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Formula definition errors
	ErrCodeInvalidBody       = "E101" // Body missing or does not compile
	ErrCodeInvalidInput      = "E102" // Input declaration is malformed
	ErrCodeInvalidConstraint = "E103" // Constraint is malformed
	ErrCodeInvalidDefault    = "E104" // Default value cannot be converted
	ErrCodeInvalidCUE        = "E105" // CUE evaluation error

	// Calculation errors
	ErrCodeUnknownFormula = "E301" // Formula id not defined
	ErrCodeInvalidRows    = "E302" // Rows file is malformed
	ErrCodeDatabase       = "E303" // Database open/read/write failed
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "body":
		return ErrCodeInvalidBody
	case field == "cue":
		return ErrCodeInvalidCUE
	case field == "default", strings.HasSuffix(field, ".default"):
		return ErrCodeInvalidDefault
	case strings.Contains(field, ".constraints") || strings.HasSuffix(field, ".enum"):
		return ErrCodeInvalidConstraint
	case strings.HasPrefix(field, "inputs"):
		return ErrCodeInvalidInput
	default:
		return ErrCodeGeneric
	}
}
