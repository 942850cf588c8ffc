// Package job defines typed job definitions and the handler registry the
// worker pool executes against.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is stored on the job
// record as a JSON object and decoded into T before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	    job.WithMaxAttempts(5),
//	    job.WithDedup(dedup.ByField("to")),
//	)
//
// # Registry
//
// [Registry] maps job names to type-erased [HandlerFunc] values and binds
// each definition's dedup strategy. Register definitions at startup via
// [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, SendEmail)
//
// Handlers can read their attempt number through [InfoFrom].
package job
