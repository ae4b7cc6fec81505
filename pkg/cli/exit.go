package cli

import (
	"errors"

	"github.com/xarlytos/unisunis-sub000/pkg/rbac"
)

// Exit codes returned by unis-admin
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitDenied    = 3
	ExitNotFound  = 4
	ExitConflict  = 5
	ExitIntegrity = 6
)

// ExitCode maps an error from Execute to a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage), errors.Is(err, rbac.ErrInvalidArgument):
		return ExitUsage
	case errors.Is(err, ErrDenied), errors.Is(err, rbac.ErrForbidden):
		return ExitDenied
	case errors.Is(err, rbac.ErrAgentNotFound):
		return ExitNotFound
	case errors.Is(err, rbac.ErrInvalidGrant),
		errors.Is(err, rbac.ErrCycleDetected),
		errors.Is(err, rbac.ErrMultipleManagers),
		errors.Is(err, rbac.ErrAgentExists):
		return ExitConflict
	case errors.Is(err, rbac.ErrIntegrityViolation):
		return ExitIntegrity
	default:
		return ExitFailure
	}
}
