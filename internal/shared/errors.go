package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the resource belongs to another tenant.
	ErrForbidden = errors.New("forbidden")
)
