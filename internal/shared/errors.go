package shared

import "errors"

var (
	// ErrMissingIdentity indicates the gateway did not resolve a workspace.
	ErrMissingIdentity = errors.New("missing workspace identity")
)
