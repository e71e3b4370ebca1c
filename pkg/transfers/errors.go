package transfers

import "errors"

// Common errors for transfer persistence and lifecycle operations.
var (
	// ErrTransferNotFound is returned when no record matches an id or filter.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInvalidState marks an illegal (phase, outcome) pair or transition.
	ErrInvalidState = errors.New("invalid transfer state")

	// ErrPruneFilter is returned when Prune is asked to remove records that
	// are not terminal. Pruning in-flight records would break uniqueness and
	// limit accounting.
	ErrPruneFilter = errors.New("prune filter must contain only completed states")
)
