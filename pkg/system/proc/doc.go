// Package proc provides lightweight, zero-dependency process/resource
// sampling on Linux, used to bill orders for the CPU time consumed by an
// entire process subtree.
//
// Overview
//
//   - ReadProcChildren walks /proc/<pid>/task/*/children to enumerate the
//     direct children of a PID (deduplicated across threads).
//   - ReadProcStat reads /proc/<pid>/stat and returns the cumulative
//     utime/stime jiffies a PID has consumed since it started.
//   - ClockTicks reports jiffies-per-second (CLK_TCK), overridable via the
//     CLK_TCK environment variable for tests.
//   - Sampler (subtree.go) composes these into the process-tree sampler: it
//     walks the live subtree rooted at a PID every tick and keeps a
//     persistent, never-shrinking map of the last known cumulative CPU
//     seconds for every PID ever observed. Because /proc/<pid>/stat keeps
//     reporting a dead child's final counters until it is reaped, and the
//     sampler never deletes an entry, Sampler.TotalCPUSeconds is a
//     monotonically nondecreasing sum over the lifetime of the job even as
//     individual children come and go.
//
// Package import path: github.com/orderforge/ordersvc/pkg/system/proc
package proc
