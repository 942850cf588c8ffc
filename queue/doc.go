// Package queue enforces per-job-name rate limits and concurrency caps in
// the worker pool.
//
// All jobs share one broker stream, so limits are applied after dequeue:
// a worker holding a delivery for a limited job waits in [Manager.Acquire]
// until the token bucket (golang.org/x/time/rate) and the concurrency gate
// admit it.
//
//	m := queue.NewManager(
//	    queue.Config{Name: "send_email", MaxConcurrency: 5, RateLimit: 10, RateBurst: 20},
//	)
//	release, err := m.Acquire(ctx, "send_email")
//	if err != nil {
//	    return err
//	}
//	defer release()
//
// Job names without a [Config] have no limits beyond pool concurrency.
package queue
