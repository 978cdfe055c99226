package engine

// Phase is the position of a row in the calculation state machine.
//
//	Untouched -> Editing -> Validating -> Computed | Invalid | Failed
//
// Any edit moves a row back to Editing. A formula switch resets every row to
// Untouched.
type Phase int

const (
	PhaseUntouched Phase = iota
	PhaseEditing
	PhaseValidating
	PhaseComputed
	PhaseInvalid
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUntouched:
		return "untouched"
	case PhaseEditing:
		return "editing"
	case PhaseValidating:
		return "validating"
	case PhaseComputed:
		return "computed"
	case PhaseInvalid:
		return "invalid"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name in JSON and YAML output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
