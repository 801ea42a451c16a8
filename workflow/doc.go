// Copyright (c) Conductor Authors.
// Licensed under the MIT License.

/*
Package workflow is the orchestration core: it dispatches long-running
agent jobs onto a shared Redis-backed queue, tracks each job's
lifecycle as a validated state machine, streams incremental output to
any number of observers with bounded memory, and reclaims storage for
finished workflows.

Components:

  - Client     — start, signal, query, cancel, subscribe, wait
  - StateStore — validated transitions with optimistic locking
  - Queue      — ready/delayed/recurring job lanes with idempotent ids
  - StreamWriter — batched, capped output append log
  - WorkerPool — pulls jobs and executes them through a Runner
  - Sweeper    — retention, log trimming, stall detection

Lifecycle:

	pending → running → {awaiting_input ⇄ running} → completed|failed|cancelled
	          running → stalled → running|failed

Self-transitions are always permitted; everything else not in the
table is rejected with INVALID_TRANSITION. Cancellation is cooperative:
Cancel publishes a signal and flips the state flag, and the executing
worker observes the signal and stops on its own.
*/
package workflow
