// Package notifier delivers alerts to their channels (chat, event bus).
//
// Deliver fans one alert out to every channel through a bounded queue served
// by a worker pool. Each channel has its own send rate limit; failed sends
// are retried with jittered exponential backoff until the caller's context
// expires. A small in-memory history of recent deliveries backs the status
// output.
package notifier
