package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/fluxbpm/orchestrator/internal/executors"
)

var (
	// ErrInstanceNotFound is returned by control operations on unknown ids.
	ErrInstanceNotFound = errors.New("workflow instance not found")
	// ErrNoPendingTask is returned when a user-task completion has no waiter.
	ErrNoPendingTask = errors.New("no pending user task")
	// ErrInstanceEnded is returned for control operations on finished instances.
	ErrInstanceEnded = errors.New("workflow instance already ended")
	// ErrInstanceRunning is returned when releasing an instance that has not
	// finished yet.
	ErrInstanceRunning = errors.New("workflow instance still running")

	// errBranchCancelled ends a branch quietly after a competing path won a
	// race join. Never surfaces past the scheduler.
	errBranchCancelled = errors.New("branch cancelled by competing path")
)

// isCancellation reports whether the error is a cooperative cancel signal
// rather than a genuine task failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errorCatches reports whether a catch declared with catchCode matches the
// failure: empty catches everything, otherwise substring match on the code.
func errorCatches(catchCode string, err error) bool {
	if catchCode == "" {
		return true
	}
	return strings.Contains(executors.ErrorCode(err), catchCode)
}
