// Package publish delivers approved replies.
//
// The Dispatcher claims one queued publish row at a time. Rows whose payload
// opts out of sending, or that arrive while auto-send is off, are marked
// dispatched with a note and never touch the network. Everything else is
// posted to the delivery webhook; failures requeue the row until its attempt
// ceiling, then dead-letter it.
package publish
