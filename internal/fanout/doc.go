// Package fanout delivers task and item progress events to subscribed
// connections over named channels: "global", "task:<id>" and "item:<id>".
//
// Every connection has its own bounded queue and writer goroutine. Publish
// only appends to those queues, so a slow or dead client can never stall the
// task that produced the event; when a queue is full the oldest event is shed
// and counted. A heartbeat loop pings each connection and closes it after too
// many unanswered pings. Sinks (NATS relay, ntfy notifications) observe every
// published event.
package fanout
