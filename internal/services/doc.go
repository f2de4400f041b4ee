// Package services defines shared plumbing consumed by the pipeline, the
// worker, and the external collaborator clients.
//
// Key responsibilities:
//   - Context helpers that stamp job, run, and work order identifiers, stage
//     names, and correlation ids for logging.
//   - Structured error markers plus the Wrap helper, and IsRetryable which the
//     worker uses to choose between the retry ladder and dead-lettering.
package services
