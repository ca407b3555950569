package domain

// Stage names a step of the dialogue state machine.
type Stage string

const (
	// StageConverse talks to the user via the completion collaborator.
	StageConverse Stage = "converse"
	// StageExtractRequirements distills requirements from the messages so far.
	StageExtractRequirements Stage = "extract_requirements"
	// StageGenerateClarifications turns open points into clarifying questions.
	StageGenerateClarifications Stage = "generate_clarifications"
	// StageConfirm produces the single confirmation message of a turn.
	StageConfirm Stage = "confirm"
	// StageHandoff signals the code-generation collaborator.
	StageHandoff Stage = "handoff"
	// StageDone is the terminal success state of a turn.
	StageDone Stage = "done"
	// StageFailed is the terminal failure state of a turn.
	StageFailed Stage = "failed"
)

// Terminal reports whether the stage ends the turn.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// NextStage is the pure transition function of the dialogue graph, evaluated
// after every Converse execution. It depends only on the requirements
// snapshot, never on I/O, which keeps re-entry semantics testable in
// isolation.
func NextStage(snapshot *RequirementsSnapshot) Stage {
	switch {
	case snapshot == nil || snapshot.Requirements == "":
		return StageExtractRequirements
	case len(snapshot.ClarifyingQuestions) > 0:
		return StageGenerateClarifications
	default:
		return StageConfirm
	}
}
