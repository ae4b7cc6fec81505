package rbac

import "errors"

var (
	// ErrInvalidArgument is returned for empty or malformed identifiers
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden is returned when a non-admin attempts an admin-only mutation
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidGrant is returned for self-grants and duplicate grants
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrCycleDetected is returned when a manager assignment would close a cycle
	ErrCycleDetected = errors.New("manager cycle detected")

	// ErrMultipleManagers is returned when a subordinate already has another manager
	ErrMultipleManagers = errors.New("subordinate already has a manager")

	// ErrIntegrityViolation means stored hierarchy data broke its invariants
	ErrIntegrityViolation = errors.New("hierarchy integrity violation")

	// ErrAgentNotFound is returned when an agent id is not in the directory
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when creating an agent whose id is taken
	ErrAgentExists = errors.New("agent already exists")

	// ErrDirectoryNotEmpty is returned when a first agent is created after others
	ErrDirectoryNotEmpty = errors.New("agent directory is not empty")
)
