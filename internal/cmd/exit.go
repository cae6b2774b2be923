package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/distrib"
	"github.com/adamancini/spool/internal/resolve"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitChanges      = 2 // plan --detailed-exitcode found work to do
	ExitLockHeld     = 3
	ExitPartialApply = 4
	ExitNoCompatible = 5
	ExitCanceled     = 130
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		lockErr    *apply.LockHeldError
		partialErr *apply.PartialApplyError
		releaseErr *resolve.NoCompatibleReleaseError
		fileErr    *resolve.NoCompatibleFileError
	)
	switch {
	case errors.As(err, &lockErr):
		return ExitLockHeld
	case errors.As(err, &partialErr):
		return ExitPartialApply
	case errors.As(err, &releaseErr), errors.As(err, &fileErr):
		return ExitNoCompatible
	case distrib.IsCanceled(err), errors.Is(err, context.Canceled):
		return ExitCanceled
	}
	return ExitFailure
}
