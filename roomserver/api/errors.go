package api

import "errors"

// The error kinds the roomserver core surfaces to its callers. Each is
// a sentinel so boundaries can classify with errors.Is regardless of
// how many layers of fmt.Errorf wrapping sit in between; the HTTP
// mapping lives in internal/httputil.
var (
	// ErrNotFound: the target event, room, or state entry does not
	// exist. storage.ErrNotFound wraps the same meaning at the store
	// boundary.
	ErrNotFound = errors.New("roomserver: not found")

	// ErrBadRequest: malformed input — bad event id syntax, missing
	// required parameter.
	ErrBadRequest = errors.New("roomserver: bad request")

	// ErrAccessDenied: the caller is not permitted — server ACL,
	// visibility, or an authorization rule said no.
	ErrAccessDenied = errors.New("roomserver: access denied")

	// ErrConflict: the operation would violate an invariant.
	ErrConflict = errors.New("roomserver: conflict")

	// ErrUnauthorized: a required signature is missing or invalid.
	ErrUnauthorized = errors.New("roomserver: unauthorized")

	// ErrForbidden: a signature is present but our own signature no
	// longer verifies after modification.
	ErrForbidden = errors.New("roomserver: forbidden")

	// ErrUnsupported: the feature is not implemented.
	ErrUnsupported = errors.New("roomserver: unsupported")
)
