package anchor

import "errors"

var (
	// ErrAnchorNotFound is returned for operations on an id the store does
	// not hold. It indicates the caller and the store disagree about the
	// graph and is always reported as an error diagnostic.
	ErrAnchorNotFound = errors.New("anchor not found")

	ErrSelfEdge        = errors.New("edge endpoints must differ")
	ErrDuplicateAnchor = errors.New("anchor id already registered")
	ErrInvalidID       = errors.New("anchor id already issued or out of range")

	// ErrCreationRejected wraps a provider refusal to create a native anchor.
	ErrCreationRejected = errors.New("native anchor creation rejected")

	ErrNotStarted     = errors.New("anchor manager not started")
	ErrAlreadyStarted = errors.New("anchor manager already started")
	ErrShutDown       = errors.New("anchor manager shut down")
)
