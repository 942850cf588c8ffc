// Package observability provides an OpenTelemetry metrics extension for
// courier. MetricsExtension implements the ext lifecycle hooks and counts
// submissions, dedup hits, promotions, completions, retries, failures and
// cancellations, plus per-pass promoter totals.
//
// For per-execution tracing and metrics, see middleware.Tracing and
// middleware.Metrics.
package observability
