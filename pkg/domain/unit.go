package domain

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// UnitKind defines the category of an emitted unit.
type UnitKind string

const (
	// UnitReasoning is an intermediate reasoning note surfaced to the client.
	UnitReasoning UnitKind = "reasoning"
	// UnitToolCall records an invocation of an external collaborator.
	UnitToolCall UnitKind = "tool_call"
	// UnitToolResult records the result of a tool invocation.
	UnitToolResult UnitKind = "tool_result"
	// UnitText is assistant-visible text.
	UnitText UnitKind = "text"
	// UnitError is the single error unit of a failed turn.
	UnitError UnitKind = "error"
	// UnitHandoff signals that a confirmed requirements snapshot was handed
	// to the code-generation collaborator.
	UnitHandoff UnitKind = "handoff"
	// UnitDone terminates the event stream of a turn.
	UnitDone UnitKind = "done"
)

// Unit is the atomic thing that can be streamed and persisted.
// Payload is a flat JSON-compatible map; typed views are decoded on demand.
type Unit struct {
	Kind    UnitKind       `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	TurnID  string         `json:"turn_id"`

	// Stage names the stage execution that produced the unit. Informational;
	// it does not participate in the fingerprint.
	Stage Stage `json:"stage,omitempty"`
}

// Fingerprint returns the deterministic identity of the unit.
func (u Unit) Fingerprint() Fingerprint {
	return FingerprintOf(u.Kind, u.Payload, u.TurnID)
}

// TextPayload is the typed view of a text or reasoning unit payload.
type TextPayload struct {
	Content string `json:"content" mapstructure:"content"`
}

// ToolCallPayload is the typed view of a tool_call unit payload.
type ToolCallPayload struct {
	Name string         `json:"name" mapstructure:"name"`
	Args map[string]any `json:"args,omitempty" mapstructure:"args"`
}

// ToolResultPayload is the typed view of a tool_result unit payload.
type ToolResultPayload struct {
	Name    string `json:"name" mapstructure:"name"`
	Result  any    `json:"result,omitempty" mapstructure:"result"`
	Success bool   `json:"success" mapstructure:"success"`
}

// ErrorPayload is the typed view of an error unit payload.
type ErrorPayload struct {
	Message string `json:"message" mapstructure:"message"`
	Code    string `json:"code,omitempty" mapstructure:"code"`
}

// HandoffPayload carries the finalized requirements to the generation collaborator.
type HandoffPayload struct {
	Requirements string `json:"requirements" mapstructure:"requirements"`
}

// DecodePayload decodes the unit payload into a typed view (one of the
// *Payload structs above).
func (u Unit) DecodePayload(out any) error {
	return mapstructure.Decode(u.Payload, out)
}

// TextUnit builds a text unit for the given turn.
func TextUnit(turnID, content string) Unit {
	return Unit{Kind: UnitText, TurnID: turnID, Payload: map[string]any{"content": content}}
}

// ReasoningUnit builds a reasoning note for the given turn.
func ReasoningUnit(turnID, content string) Unit {
	return Unit{Kind: UnitReasoning, TurnID: turnID, Payload: map[string]any{"content": content}}
}

// ErrorUnit builds the error unit of a failed turn.
func ErrorUnit(turnID, message, code string) Unit {
	p := map[string]any{"message": message}
	if code != "" {
		p["code"] = code
	}
	return Unit{Kind: UnitError, TurnID: turnID, Payload: p}
}

// DoneUnit builds the stream-terminating unit of a turn.
func DoneUnit(turnID string) Unit {
	return Unit{Kind: UnitDone, TurnID: turnID}
}

// Frame is the wire-level shape of an accepted unit. Sequence is assigned by
// the emitter at acceptance time and is strictly increasing per conversation.
type Frame struct {
	Kind        UnitKind       `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	TurnID      string         `json:"turnId"`
	Sequence    uint64         `json:"sequence"`
	Stage       Stage          `json:"stage,omitempty"`
	Fingerprint Fingerprint    `json:"fingerprint"`
	EmittedAt   time.Time      `json:"emittedAt"`
}

// Unit reconstructs the unit carried by the frame.
func (f Frame) Unit() Unit {
	return Unit{Kind: f.Kind, Payload: f.Payload, TurnID: f.TurnID, Stage: f.Stage}
}
