// Package main hosts the replydesk CLI entrypoint and command graph.
//
// Every long-running role is a subcommand: worker, dispatch and ingest run one
// lane each, and run supervises all of them in one process. The queue, review,
// config and doctor commands cover operator maintenance. Commands share config
// resolution, logger construction and backend selection through
// commandContext so each one only wires its own component.
package main
