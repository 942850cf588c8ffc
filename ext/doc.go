// Package ext defines the extension system for Courier.
//
// Extensions are notified of job record lifecycle events and can react to
// them: recording metrics, writing audit logs, paging on failures. Each
// lifecycle hook is a separate interface so extensions opt in only to the
// events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRecordCompleted(ctx context.Context, r *record.Record, elapsed time.Duration) error {
//	    log.Printf("record %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Record Lifecycle Hooks
//
//   - [RecordSubmitted]: a new record was persisted
//   - [RecordDeduplicated]: a submission matched an active record and was skipped
//   - [RecordPromoted]: a record was claimed and handed to the broker
//   - [RecordStarted]: a worker began executing a record
//   - [RecordCompleted]: a worker reported success
//   - [RecordRetrying]: an attempt failed and the record was re-armed
//   - [RecordFailed]: the last allowed attempt failed
//   - [RecordCancelled]: a record was cancelled administratively
//
// # Other Hooks
//
//   - [PromotionPass]: a promotion pass finished
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagated.
package ext
