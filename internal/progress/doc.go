// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that harvest jobs use to report their work. Events
// batch on a background goroutine and fan out to pluggable sinks such as
// Prometheus collectors, structured logs, or the job log table.
package progress
