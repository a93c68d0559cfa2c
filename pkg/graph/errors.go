package graph

import (
	"errors"
	"fmt"
)

var (
	ErrBranchNotFound    = errors.New("branch not found")
	ErrElementNotFound   = errors.New("element not found")
	ErrTopologyConflict  = errors.New("topology conflict")
	ErrImmutableHistory  = errors.New("immutable history")
	ErrBranchClosed      = errors.New("branch is closed")
	ErrBranchExists      = errors.New("branch already exists")
	ErrInvalidBranchName = errors.New("invalid branch name")
)

// NotFoundError describes a missing branch or element.
type NotFoundError struct {
	What string // "branch", "vertex", "edge", "attribute", ...
	Key  string
	Err  error // ErrBranchNotFound or ErrElementNotFound
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.What, e.Key, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// BranchNotFound builds the error returned for an unknown branch name.
func BranchNotFound(name string) error {
	return &NotFoundError{What: "branch", Key: name, Err: ErrBranchNotFound}
}

// ElementNotFound builds the error returned when nothing matches a lookup.
func ElementNotFound(what, key string) error {
	return &NotFoundError{What: what, Key: key, Err: ErrElementNotFound}
}

// ConflictError reports a graph shape that a rewrite cannot handle
// unambiguously, e.g. two live vertices for one logical UUID.
type ConflictError struct {
	UUID   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("topology conflict on %s: %s", e.UUID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrTopologyConflict }

// HistoryError is returned when a write would rewrite a closed window or an
// edge the writing branch is not allowed to touch.
type HistoryError struct {
	EdgeID string
	Reason string
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("edge %s: %s", e.EdgeID, e.Reason)
}

func (e *HistoryError) Unwrap() error { return ErrImmutableHistory }

// IsNotFound reports whether err denotes a missing branch or element.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrElementNotFound) || errors.Is(err, ErrBranchNotFound)
}
