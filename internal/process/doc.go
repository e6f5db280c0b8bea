// Package process runs device shell commands.
//
// A Runner executes each command through the configured shell in its own
// process group and delivers a single Result on a channel, so callers can
// race completion against their own timers without blocking.
//
// Features:
//   - Asynchronous execution; Run never blocks
//   - Exit status classification (0 is success, anything else is failure)
//   - Bounded capture of stdout/stderr
//   - Process-group kill (SIGTERM, then SIGKILL) on context cancellation
//   - Optional per-command runtime cap
//
// Example usage:
//
//	runner := process.NewRunner(process.Config{Shell: "/bin/sh"})
//	res := <-runner.Run(ctx, "ping -c1 -W1 tv.local")
//	if res.Succeeded() {
//	    // device is on
//	}
package process
