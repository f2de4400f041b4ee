// Package preflight provides readiness checks for the store, filesystem
// paths and external collaborators replydesk depends on.
//
// These checks run in two contexts:
//   - The run command calls RunAll before starting lanes and refuses to
//     start when a required check fails.
//   - The CLI "replydesk doctor" command renders every result, including
//     optional collaborators, so operators can see what is degraded.
//
// Collaborators that are not configured report Disabled and pass, since the
// pipeline falls back to templates and empty context without them.
package preflight
