package domain

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrPurchaseOrderNotFound = errors.New("purchase order not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrTemporary             = errors.New("temporary failure")
	// ErrFatal marks failures that must never be retried: the stage aborts
	// on the first occurrence and the workflow fails.
	ErrFatal = errors.New("fatal failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
