// Package logging assembles structured slog loggers used across replydesk.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker and stage code can tag
// log lines with job, run, and work order identifiers without threading them
// by hand. NewNop gives tests and wiring code a logger that cannot fail.
package logging
