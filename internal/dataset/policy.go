package dataset

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Gertie01/dalle-mini/internal/logger"
)

// ErrorPolicy decides what happens to a failed item. Returning nil skips
// the item; returning an error aborts the run with it.
type ErrorPolicy func(err *ItemError) error

// FailFast aborts on the first item error.
func FailFast() ErrorPolicy {
	return func(err *ItemError) error {
		return err
	}
}

// WarnAndSkip logs a warning and moves on.
func WarnAndSkip(log logger.Logger) ErrorPolicy {
	return func(err *ItemError) error {
		log.Warn("skipping item", "key", err.Key, "source", err.Source, "error", err.Err)
		return nil
	}
}

// LogAndSkip appends one JSON record per skipped item to w and moves on.
func LogAndSkip(w io.Writer, runID string) ErrorPolicy {
	skipLog := logger.JSON(w, slog.LevelInfo).With("run_id", runID)
	return func(err *ItemError) error {
		skipLog.Warn("item skipped", "key", err.Key, "source", err.Source, "error", err.Err.Error())
		return nil
	}
}

// ParsePolicy maps the on_error setting to a policy. skipLog is only used
// by the "log" policy and must be non-nil for it.
func ParsePolicy(name string, log logger.Logger, skipLog io.Writer, runID string) (ErrorPolicy, error) {
	switch name {
	case "fail":
		return FailFast(), nil
	case "", "warn":
		return WarnAndSkip(log), nil
	case "log":
		if skipLog == nil {
			return nil, fmt.Errorf("on_error=log requires a skip log file")
		}
		return LogAndSkip(skipLog, runID), nil
	default:
		return nil, fmt.Errorf("unknown error policy %q (want fail, warn or log)", name)
	}
}
