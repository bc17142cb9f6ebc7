package offline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidConfig is returned by New when the configuration is unusable.
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// ErrInvalidState is returned when a lifecycle step is attempted out of order.
type ErrInvalidState struct {
	Op    string
	State State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s worker in state %s", e.Op, e.State)
}

// ErrInstallFailed is returned when the install transition fails.
// The generation never becomes active.
type ErrInstallFailed struct {
	Generation Generation
	Err        error
}

func (e *ErrInstallFailed) Error() string {
	return fmt.Sprintf("failed to install generation %s: %v", e.Generation, e.Err)
}

func (e *ErrInstallFailed) Unwrap() error {
	return e.Err
}

// ErrPrecacheFailed is returned when a precache URL cannot be fetched.
// Status is set when the network answered with a non-ok status; Err when it failed.
type ErrPrecacheFailed struct {
	URL    string
	Status int
	Err    error
}

func (e *ErrPrecacheFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to precache %s: status %d", e.URL, e.Status)
}

func (e *ErrPrecacheFailed) Unwrap() error {
	return e.Err
}

// ErrCleanupFailed reports stale generations that could not be deleted during activation.
type ErrCleanupFailed struct {
	Failures map[string]error
}

func (e *ErrCleanupFailed) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[name])
	}
	return fmt.Sprintf("failed to delete %d stale generation(s): %s", len(names), strings.Join(parts, "; "))
}

func (e *ErrCleanupFailed) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// ErrNoController is returned by a Registration that has no worker to dispatch to.
var ErrNoController = errors.New("no active worker")
