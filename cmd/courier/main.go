// Command courier runs the promotion daemon and administers job records.
//
// Configuration comes from COURIER_* environment variables (see
// courier.LoadConfig); the persistent flags override them.
//
//	courier serve
//	courier enqueue sendReminder '{"userId":"u1"}' --delay 10m
//	courier list --status failed --limit 20
//	courier retry jrec_01h...
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
