package domain

// PipelineState is the position of a session in the analyze/refactor cycle.
type PipelineState string

const (
	StateInit        PipelineState = "INIT"
	StateAnalyzing   PipelineState = "ANALYZING"
	StateAnalyzed    PipelineState = "ANALYZED"
	StateRefactoring PipelineState = "REFACTORING"
	StateDone        PipelineState = "DONE"
	StateError       PipelineState = "ERROR"
)

var transitions = map[PipelineState][]PipelineState{
	StateInit:        {StateAnalyzing},
	StateAnalyzing:   {StateAnalyzed, StateError},
	StateAnalyzed:    {StateRefactoring, StateAnalyzing},
	StateRefactoring: {StateAnalyzed, StateDone, StateError},
	StateDone:        {StateAnalyzing},
	StateError:       {StateAnalyzing},
}

// CanTransition reports whether from -> to is a legal pipeline transition.
func CanTransition(from, to PipelineState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTransient reports whether the state only exists while a turn is running.
func (s PipelineState) IsTransient() bool {
	return s == StateAnalyzing || s == StateRefactoring
}

// Valid reports whether s is a known pipeline state.
func (s PipelineState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanCommit reports whether a session may move from one committed state to
// another, either directly or through a single transient state.
func CanCommit(from, to PipelineState) bool {
	if from == to || CanTransition(from, to) {
		return true
	}
	for _, mid := range transitions[from] {
		if mid.IsTransient() && CanTransition(mid, to) {
			return true
		}
	}
	return false
}
