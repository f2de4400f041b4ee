// Package config loads, normalizes, and validates replydesk configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// REPLYDESK_LLM_API_KEY and REPLYDESK_PUBLISH_WEBHOOK_URL. The Config type is
// built once at process start and handed to every component constructor;
// nothing in the module reads thresholds or endpoints from ambient state.
package config
