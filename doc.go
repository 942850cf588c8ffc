// Package courier provides durable, two-tier job scheduling for Go
// services. Every unit of deferred work is written to a durable Job Record
// store first (the outbox) and only then handed to a fast, volatile broker
// queue for execution.
//
// Courier is designed as a library, not a service. Import it, pick a record
// store and a broker, and register handlers as ordinary Go functions.
//
// # Quick Start
//
//	eng, err := engine.Build(
//	    engine.WithStore(mongoStore),
//	    engine.WithBroker(redisBroker),
//	)
//	job.RegisterDefinition(eng.Registry(), SendReminder)
//	out, err := eng.Dispatcher().Enqueue(ctx, "sendReminder",
//	    map[string]any{"userId": "u1"},
//	)
//
// # Architecture
//
// Four components cooperate around a single collection of Job Records:
//
//   - The outbox Service is the sole reader/writer of records and owns the
//     state machine (pending → promoted → completed | failed, cancelled).
//   - The dispatcher writes through the outbox and opportunistically hands
//     near-term work straight to the broker.
//   - The promoter periodically moves due pending records into the broker.
//   - The worker pool consumes the broker and reports results back to the
//     outbox.
//
// The store is the source of truth. A broker outage degrades the system to
// "records accumulate as pending" rather than to lost work.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package courier
