package loader

// State is a step of the load pipeline. Transitions only move forward:
// Start, Parsed, Mapped, StackBuilt, Validated, Transferred. Any failure
// moves to Failed and is final.
type State int

const (
	StateStart State = iota
	StateParsed
	StateMapped
	StateStackBuilt
	StateValidated
	StateTransferred
	StateFailed
)

var stateNames = [...]string{
	StateStart:       "start",
	StateParsed:      "parsed",
	StateMapped:      "mapped",
	StateStackBuilt:  "stack-built",
	StateValidated:   "validated",
	StateTransferred: "transferred",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
