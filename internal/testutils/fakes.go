// Package testutils provides scripted fakes for the external collaborators.
// Each fake replays a fixed script of responses in order, so tests can drive
// the dialogue engine through multi-stage turns deterministically.
package testutils

import (
	"context"
	"sync"

	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

// ScriptedCompleter returns canned completions in order. When the script is
// exhausted it keeps returning the last entry, so tests only script the
// turns they care about.
type ScriptedCompleter struct {
	mu      sync.Mutex
	Script  []string
	Err     error
	Prompts []ports.PromptContext
	calls   int
}

func (c *ScriptedCompleter) Complete(_ context.Context, prompt ports.PromptContext) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, prompt)
	c.calls++
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Script) == 0 {
		return "ok", nil
	}
	i := c.calls - 1
	if i >= len(c.Script) {
		i = len(c.Script) - 1
	}
	return c.Script[i], nil
}

// Calls reports how many completions were requested.
func (c *ScriptedCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ExtractStep is one scripted response of the extractor.
type ExtractStep struct {
	Snapshot *domain.RequirementsSnapshot
	Err      error
}

// ScriptedExtractor replays extraction snapshots and clarifying questions.
// A nil snapshot in a step means "not enough information yet".
type ScriptedExtractor struct {
	mu           sync.Mutex
	ExtractSteps []ExtractStep
	Questions    [][]string
	ClarifyErr   error
	extractCalls int
	clarifyCalls int
}

func (e *ScriptedExtractor) Extract(_ context.Context, _ []domain.Message) (*domain.RequirementsSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.extractCalls
	e.extractCalls++
	if i >= len(e.ExtractSteps) {
		if len(e.ExtractSteps) == 0 {
			return nil, nil
		}
		i = len(e.ExtractSteps) - 1
	}
	step := e.ExtractSteps[i]
	return step.Snapshot.Clone(), step.Err
}

func (e *ScriptedExtractor) Clarify(_ context.Context, _ string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.clarifyCalls
	e.clarifyCalls++
	if e.ClarifyErr != nil {
		return nil, e.ClarifyErr
	}
	if i >= len(e.Questions) {
		return nil, nil
	}
	return append([]string(nil), e.Questions[i]...), nil
}

// ExtractCalls reports how many extractions were requested.
func (e *ScriptedExtractor) ExtractCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.extractCalls
}

// ClarifyCalls reports how many clarification rounds were requested.
func (e *ScriptedExtractor) ClarifyCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clarifyCalls
}

// RecordingDispatcher records handoff dispatches.
type RecordingDispatcher struct {
	mu         sync.Mutex
	Err        error
	Dispatched []domain.RequirementsSnapshot
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, _ string, snap domain.RequirementsSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dispatched = append(d.Dispatched, snap)
	return d.Err
}

// Count reports how many dispatches were recorded.
func (d *RecordingDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dispatched)
}

// CollectingSink gathers offered units without deduplication, for tests that
// exercise the engine in isolation.
type CollectingSink struct {
	mu    sync.Mutex
	Units []domain.Unit
	Err   error
}

func (s *CollectingSink) Offer(_ context.Context, _ string, unit domain.Unit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	s.Units = append(s.Units, unit)
	return true, nil
}

// Kinds returns the unit kinds in emission order.
func (s *CollectingSink) Kinds() []domain.UnitKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]domain.UnitKind, len(s.Units))
	for i, u := range s.Units {
		kinds[i] = u.Kind
	}
	return kinds
}

// Texts returns the content of every text unit in order.
func (s *CollectingSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var texts []string
	for _, u := range s.Units {
		if u.Kind != domain.UnitText {
			continue
		}
		var p domain.TextPayload
		if err := u.DecodePayload(&p); err == nil {
			texts = append(texts, p.Content)
		}
	}
	return texts
}
