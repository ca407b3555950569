package domain

// RequirementsSnapshot holds the structured requirements extracted from the
// conversation plus the outstanding clarifying questions. It is owned by the
// dialogue engine for the duration of a turn and becomes immutable once a
// turn reaches Confirm with an empty question list.
type RequirementsSnapshot struct {
	Requirements        string   `json:"requirements"`
	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`

	// Confirmed is set by the Confirm stage. A turn that starts with a
	// confirmed snapshot goes straight to Handoff.
	Confirmed bool `json:"confirmed"`
}

// Finalized reports whether requirements exist and no clarifying question is
// pending. A finalized snapshot forbids further completion calls in Converse.
func (s *RequirementsSnapshot) Finalized() bool {
	return s != nil && s.Requirements != "" && len(s.ClarifyingQuestions) == 0
}

// Empty reports whether no requirements were extracted yet.
func (s *RequirementsSnapshot) Empty() bool {
	return s == nil || s.Requirements == ""
}

// Clone returns a deep copy so stage inputs can snapshot the value without
// sharing the questions slice.
func (s *RequirementsSnapshot) Clone() *RequirementsSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ClarifyingQuestions != nil {
		cp.ClarifyingQuestions = append([]string(nil), s.ClarifyingQuestions...)
	}
	return &cp
}
