// Package scheduler is the periodic trigger for dispatch runs.
//
// A schedule string is either a cron expression (robfig/cron, optional
// seconds and descriptors) or a fixed interval ("5m", "00:05"). Each tick
// runs one job; a tick that arrives while the previous run is still in
// flight is skipped rather than queued.
package scheduler
