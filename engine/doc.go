// Package engine wires every courier component into one owned lifecycle
// object and exposes the application-level API.
//
// The engine sits above all subsystem packages so that none of them
// import each other's wiring. It builds the extension registry, the job
// registry, the outbox service, the shared promotion hand-off, the
// promoter, the dispatcher and (when a broker is configured) the worker
// pool.
//
// # Building an Engine
//
//	cfg, err := courier.LoadConfig()
//	eng, err := engine.Build(
//	    engine.WithConfig(cfg),
//	    engine.WithStore(pgStore),
//	    engine.WithBroker(redisBroker),
//	    engine.WithQueueConfig(queue.Config{Name: "sendReminder", RateLimit: 50}),
//	)
//
// # Registering and Enqueuing
//
//	engine.Register(eng, SendReminder)
//	out, err := engine.Enqueue(ctx, eng, "sendReminder", ReminderInput{UserID: "u1"},
//	    dispatcher.WithDelay(10*time.Minute),
//	)
//
// # Lifecycle
//
// Start pings the broker, then starts the worker pool and the promoter.
// Stop reverses that: the promoter stops first so nothing new is handed
// off, the pool drains within the caller's deadline, the broker is closed
// and the shutdown hook fires. The store is owned by the caller.
//
// When the store does not expire terminal records on its own, the
// promoter runs a retention sweep after each scheduled pass using
// Config.CompletedRetention and Config.FailedRetention.
//
// # Administration
//
// List, Get, Cancel, Retry, PromoteNow, Cleanup and Stats cover the admin
// surface. Cancel also withdraws the record's message from the broker.
package engine
