// Package codec verifies and decodes provider envelopes into typed
// notifications. It holds no state and performs no side effects.
package codec

import "errors"

var (
	// ErrMalformedEnvelope means the body is not a structurally valid
	// notification for this endpoint.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnverifiableSignature means a signature or certificate chain did
	// not check out. Nothing from such a body is trusted.
	ErrUnverifiableSignature = errors.New("unverifiable signature")
)
