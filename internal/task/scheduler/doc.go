// Package scheduler decides when tracked items are checked.
//
// It runs either a single pass over the watch list (RunOnce) or one
// jittered cron entry per item (RunForever). Execution is delegated to
// internal/task/engine; the scheduler is responsible only for:
//   - computing next trigger times (interval, jitter, floor, startup spread)
//   - enqueueing item checks into the task engine
//   - collecting pass results in configuration order
package scheduler
