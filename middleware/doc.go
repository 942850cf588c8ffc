// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps a job handler. Middleware are composed with [Chain]
// and run around every handler invocation made by the worker pool. The
// first middleware in the list is the outermost wrapper.
//
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Recover] converts handler panics into errors
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-job duration and outcome counters
//   - [Logging] logs job outcome and duration
//   - [Timeout] cancels the handler context after the job's timeout
//
// [Default] assembles all of them in that order.
package middleware
