// Package poller runs the polling engine: one timer per device, bounded
// polls, result persistence and history retention.
//
// The main components are:
//
//   - [Scheduler]: reconciles the device table into per-device timers and
//     records every poll outcome
//   - [Status]: point-in-time view of the schedule
//   - [Event]: emitted after each completed poll
//   - [Sweeper]: purges history older than the retention window on a cron
//     schedule
//
// Faults stay at the device boundary. A driver error, timeout or panic
// becomes the device's last error; a storage error is logged and retried on
// the next poll. Only Stop or context cancellation ends the scheduler.
package poller
