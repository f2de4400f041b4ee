// Package notifications pushes operator alerts to ntfy.
//
// Escalations and dead-lettered work are published; routine worker passes are
// suppressed. When no topic is configured the service is a no-op.
package notifications
