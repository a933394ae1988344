package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoEligibleWorker is returned when no registered, non-banned worker
	// satisfies the required tags.
	ErrNoEligibleWorker = errors.New("no eligible worker")
	// ErrUnknownNode is returned for calls naming a node that is not registered.
	ErrUnknownNode = errors.New("unknown node")
)

// DispatchError is returned when the selected worker fails to execute a tool.
type DispatchError struct {
	NodeID string
	Tool   string
	Cause  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("router: dispatch %s to node %s failed: %v", e.Tool, e.NodeID, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

func noEligible(tags []string) error {
	if len(tags) == 0 {
		return ErrNoEligibleWorker
	}
	return fmt.Errorf("%w: tags [%s]", ErrNoEligibleWorker, strings.Join(tags, ","))
}
