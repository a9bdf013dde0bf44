// internal/errors/errors.go
package errors

import "fmt"

// ErrInvalidRepoFormat is returned when a repository string is not in
// 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrMalformedPayload is returned when an upstream API response is
// missing fields the sync pipeline cannot proceed without. It is kept
// distinct from transport errors so a shape change in the upstream API
// is diagnosable as such.
type ErrMalformedPayload struct {
	Resource string
	Field    string
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("malformed %s payload from upstream: missing %s", e.Resource, e.Field)
}
