/*
Package parley is a conversation orchestration core for requirements-gathering
assistants. It manages the dialogue state machine, streams assistant output as
typed frames, and guarantees that every frame reaches the transcript exactly
once, even across reconnects and process restarts.

# Concept

Parley treats each conversation as a sequence of turns. A turn runs a small
stage machine (converse, extract requirements, clarify, confirm, handoff) and
emits frames as it goes. Every frame passes through a single emission choke
point that fingerprints its content and consults a per-conversation ledger, so
regenerated or redelivered content is suppressed before it reaches storage or
subscribers. This Hexagonal Architecture keeps the core pure: language
completion, requirement extraction and handoff dispatch are collaborators
behind ports, and storage, locking and transports are adapters.

# Key Features

  - Exactly-once emission: content fingerprints plus a shared ledger
    deduplicate frames across retries, reconnects and replicas.
  - Gap-free streaming: attaching to a conversation replays the persisted
    prefix and then tails live frames with no gap and no duplicate.
  - Durable transcripts: turns survive restarts; the ledger is reseeded
    from the persisted transcript on first touch.
  - Pluggable backends: in-memory, SQLite and Redis adapters ship in the
    box; any store satisfying the ports contracts works.

# Usage

Wire the two required collaborators and submit messages. Frames stream
through Attach.

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/parley-dev/parley"
	)

	func main() {
		p, err := parley.New(myCompleter, myExtractor)
		if err != nil {
			log.Fatal(err)
		}

		ctx := context.Background()
		prefix, frames, cancel, err := p.Attach(ctx, "conv-1")
		if err != nil {
			log.Fatal(err)
		}
		defer cancel()

		if _, err := p.Submit(ctx, "conv-1", "I want a todo app"); err != nil {
			log.Fatal(err)
		}

		for _, f := range prefix {
			fmt.Println("replay:", f.Kind)
		}
		for f := range frames {
			fmt.Println("live:", f.Kind)
		}
	}
*/
package parley
