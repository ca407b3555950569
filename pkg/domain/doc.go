/*
Package domain contains the core domain models for the Parley conversation core.

It defines the shared vocabulary of the orchestration pipeline: emitted units
and their fingerprints, dialogue stages and the pure transition rule, turns and
stage executions, requirements snapshots, and the durable transcript shapes.
This package is kept pure and free of I/O or persistence concerns, following
Hexagonal Architecture principles.

# Key Entities

  - Unit: The atomic streamable/persistable output of a stage (reasoning, tool
    call, tool result, text, error, handoff, done).
  - Fingerprint: Deterministic identity of a unit, computed from kind,
    normalized payload, and owning turn. This is the basis of exactly-once
    delivery.
  - Stage / NextStage: The enumerated dialogue graph and its pure transition
    function.
  - Turn / StageExecution: One user-message cycle and its ordered stage passes.
  - Transcript / Message / Frame: The durable, append-only conversation history
    and the wire-level event shape.
*/
package domain
