// Package checkpoint persists durable thread state and serializes steps per
// thread.
//
// A Manager wraps a core.CheckpointStore and adds:
//   - an optimistic revision check on Save (ErrRevisionConflict)
//   - a fail-fast lease table: Acquire returns core.ErrThreadBusy instead of
//     waiting when a thread already has an active step
//   - retention passthrough for stores implementing core.Pruner
//
// Three stores are provided: InMemoryStore in this package, a JSON file
// store in checkpoint/filestore and a SQLite store in checkpoint/sqlite.
package checkpoint
