// Package llm provides the chat-completion client behind reply drafting.
//
// The client talks to any OpenAI-compatible chat completions endpoint and asks
// for JSON-only output. Client.Draft turns a DraftRequest (tier, sender,
// subject, labels, body, assembled context) into a DraftReply with a subject,
// body, clamped confidence, rationale, and citations. An empty body is an
// error so callers can fall back to their deterministic template.
//
// # Retry Behaviour
//
// Requests are retried on HTTP 408/429/5xx and network timeouts with
// exponential backoff (base 500ms, max 4s, 2 attempts by default). Context
// cancellation aborts retries immediately; every call is bounded by the
// configured timeout so a slow provider never stalls a worker.
package llm
