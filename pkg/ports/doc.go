/*
Package ports defines the driven ports (interfaces) for the Parley core.

These interfaces decouple the conversation orchestration logic from external
implementations, allowing the core to work with various storage backends,
completion services, and locking strategies.

# Key Interfaces

  - TranscriptStore: Durable, append-only transcript with idempotent frame appends.
  - SnapshotStore: Persists the requirements snapshot between turns.
  - Ledger: Per-conversation fingerprint set backing exactly-once emission.
  - Completer / Extractor / HandoffDispatcher: The external collaborators.
  - DistributedLocker: Cross-replica turn serialization.
*/
package ports
