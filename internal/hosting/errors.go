package hosting

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAssetNotFound    = errors.New("asset not found")
	ErrVersionNotFound  = errors.New("asset version not found")
	ErrNotOwner         = errors.New("requester does not own this instance")
)

// ValidationError rejects a deploy request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DeploymentError is returned when the provider rejects a create after all
// retry attempts. No instance row exists when this is returned.
type DeploymentError struct {
	AssetID  string
	Attempts int
	Err      error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment of asset %s failed after %d attempts: %v", e.AssetID, e.Attempts, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}
