// Copyright (c) Conductor Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type contracts of the conductor core.

It is the lowest-level public package and depends on nothing internal,
so that workflow, breaker, ratelimit and scheduler can all share one
vocabulary without import cycles.

Core types:

  - WorkflowInstance / WorkflowStatus — persisted workflow lifecycle record
  - OutputEvent / EventType           — entries of the capped output log
  - Signal                            — transient workflow control message
  - Error / ErrorCode                 — structured error taxonomy with
    Retryable and Service markers

Error helpers: NewError, IsRetryable, GetErrorCode, IsCode.
*/
package types
