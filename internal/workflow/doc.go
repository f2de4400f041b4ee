// Package workflow drives queued work orders through the reply pipeline.
//
// A Worker claims one job at a time, keeps its lease alive with heartbeats,
// and hands the decoded work order to the Supervisor. The Supervisor owns the
// run record: it starts the run, persists every stage result as an event and
// artifact, and finishes the run as completed or needs_human_review. Job
// failures resolve to a retry on the backoff ladder or a dead letter,
// depending on whether the error can ever succeed on a later attempt.
//
// The Reaper reclaims jobs left running by crashed workers. The Manager runs
// the worker, reaper, dispatcher and ingest loops as independent lanes for
// long-running mode; each lane is a plain loop function so the CLI can run
// any one of them on its own.
package workflow
