package eventrail

import "errors"

// Engine lifecycle errors.
var (
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("eventrail: engine is closed")

	// ErrNoProjector is returned by NewEngine when no projector was
	// provided; an engine cannot fold events without one.
	ErrNoProjector = errors.New("eventrail: engine requires a projector")

	// ErrNoDomain is returned by NewEngine when the domain name is empty.
	ErrNoDomain = errors.New("eventrail: engine requires a domain name")
)
