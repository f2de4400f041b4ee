// Package pipeline turns one work order into a publish decision.
//
// Stages are plain functions over a shared *State. Each stage reads the typed
// results of the stages before it, writes its own result, and returns a Result
// the caller persists as a stage event. Two executors drive the same stage
// list: Sequential runs the canonical order and stops when a stage halts, and
// Graph schedules the stages over their declared dependencies and skips the
// dependents of a halting stage. Both leave identical State behind.
package pipeline
