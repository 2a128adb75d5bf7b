// Package notifications raises operator alerts through ntfy.
//
// Service formats individual alerts and degrades to a no-op when no topic is
// configured. Sink subscribes to the fan-out hub and turns configuration
// errors, terminal task failures, and publications into alerts according to
// the notifications config section. Delivery happens on Sink.Run so event
// publishing never waits on the network.
package notifications
