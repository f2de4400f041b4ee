// Package enrichment holds the best-effort lookup clients the Context stage
// consults: a CRM account lookup and a mail thread-history lookup.
//
// Neither client returns an error. Every call yields an Outcome whose Status
// is Enabled, Disabled, or Failed, and callers switch on it; a failed lookup
// carries an empty payload and a reason such as "lookup_failed:timeout".
package enrichment
