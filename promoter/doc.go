// Package promoter moves due job records from the outbox into the broker.
//
// A pass lists pending records inside their promotion window (highest
// priority first, then earliest RunAt), capped at the batch size, and hands
// each one off. The hand-off claims the record (pending → promoted,
// attempts+1) before enqueueing, so two promoters can never both deliver
// the same record. After the claim:
//
//   - broker accepted, or reported a duplicate token: promoted
//   - broker transiently unavailable: claim released, record stays pending
//   - broker rejected the message: the attempt is failed through the outbox
//
// The dispatcher's fast path uses the same hand-off, so there is one state
// machine for both routes into the broker.
//
// Passes run on a cron schedule ("@every 1m" by default) after a startup
// grace delay. Passes never overlap; a trigger that arrives while a pass is
// running is skipped.
package promoter
