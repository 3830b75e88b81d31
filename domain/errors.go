package domain

import "errors"

// Error taxonomy shared by every layer. Store and resolver errors wrap one
// of these sentinels and propagate unchanged; only the web layer translates
// them into HTTP status codes.
var (
	// ErrNotFound means a lookup produced zero rows.
	ErrNotFound = errors.New("not found")

	// ErrMalformedInput means an identifier, URI or webfinger resource
	// string could not be parsed.
	ErrMalformedInput = errors.New("malformed input")

	// ErrVerification means a claimed identity's domain did not match the
	// expected origin. Never downgraded to success.
	ErrVerification = errors.New("origin verification failed")

	// ErrDereference means the remote fetch or parse of a referenced
	// actor failed.
	ErrDereference = errors.New("actor dereference failed")

	// ErrStorage means a backend failure, or a write that affected a row
	// count other than exactly one.
	ErrStorage = errors.New("storage failure")
)
