// Package core provides the foundational domain types and interfaces used by
// agentloop. It defines:
//
//   - Messages (a closed sum type) and their JSON codec
//   - MessageStore (ordered, append-only transcript of one invocation)
//   - Checkpoint and the CheckpointStore persistence interface
//   - StreamEvent (value, token and error events delivered to consumers)
//   - Error taxonomy (ErrorKind, *Error, sentinel errors)
//   - ToolContext (scoped surface handed to tool implementations)
//
// Persistence, model providers, streaming fan-out and the controller loop live
// in sibling packages that depend on these small types.
package core
