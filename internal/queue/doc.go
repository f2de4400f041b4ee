// Package queue persists jobs, workflow runs, stage events, artifacts, the
// publish queue, precedents and review actions.
//
// Backend is the full surface the workers, the dispatcher and the review
// service need. Store implements it on SQLite, MemoryStore keeps everything in
// process for dry runs and tests, and the pgqueue subpackage implements it on
// Postgres for multi-host deployments.
//
// The SQLite database is treated as operational state rather than an archive.
// Schema changes bump schemaVersion in schema.go; operators delete the
// database to adopt a new schema.
package queue
