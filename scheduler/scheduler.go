// Package scheduler drives stock data collection. It handles:
// - Recurring collection runs on a cron schedule
// - On-demand full, update and per-market runs
// - Periodic pruning of job history
//
// The collection loop lives in collection.go and housekeeping in jobs.go.
package scheduler
