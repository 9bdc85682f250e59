// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// WorkflowID creates a tag for workflow ids.
func WorkflowID(id int64) slog.Attr {
	return slog.Int64("workflow-id", id)
}

// WorkflowRunID creates a tag for workflow run ids.
func WorkflowRunID(id int64) slog.Attr {
	return slog.Int64("workflow-run-id", id)
}

// TaskID creates a tag for task ids.
func TaskID(id int64) slog.Attr {
	return slog.Int64("task-id", id)
}

// TaskInstanceID creates a tag for task instance ids.
func TaskInstanceID(id int64) slog.Attr {
	return slog.Int64("task-instance-id", id)
}

// BatchID creates a tag for task instance batch ids.
func BatchID(id int64) slog.Attr {
	return slog.Int64("batch-id", id)
}

// ArrayID creates a tag for array ids.
func ArrayID(id int64) slog.Attr {
	return slog.Int64("array-id", id)
}

// DistributorID creates a tag for cluster-assigned distributor ids.
func DistributorID(id string) slog.Attr {
	return slog.String("distributor-id", id)
}

// DistributorInstanceID creates a tag for distributor instance ids.
func DistributorInstanceID(id int64) slog.Attr {
	return slog.Int64("distributor-instance-id", id)
}

// Cluster creates a tag for cluster names.
func Cluster(name string) slog.Attr {
	return slog.String("cluster", name)
}

// Queue creates a tag for queue names.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// Status creates a tag for entity status codes.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// RequestID creates a tag for request correlation ids.
func RequestID(id string) slog.Attr {
	return slog.String("request-id", id)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Interval creates a tag for poll and heartbeat intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Elapsed creates a tag for elapsed durations.
func Elapsed(d time.Duration) slog.Attr {
	return slog.Duration("elapsed", d)
}

// Addr creates a tag for network addresses.
func Addr(addr string) slog.Attr {
	return slog.String("addr", addr)
}

// URL creates a tag for request URLs.
func URL(u string) slog.Attr {
	return slog.String("url", u)
}

// Path creates a tag for filesystem paths.
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Signal creates a tag for signal names (e.g., SIGTERM).
func Signal(sig string) slog.Attr {
	return slog.String("signal", sig)
}

// PID creates a tag for process ids.
func PID(pid int) slog.Attr {
	return slog.Int("pid", pid)
}
