package domain

import (
	"context"
	"net/http"
)

// Verifier is implemented by every provider adapter.
type Verifier interface {
	Provider() string
}

// SignatureVerifier validates a signed notification. It must see the raw body
// exactly as received and has no side effects.
type SignatureVerifier interface {
	Verifier
	Verify(ctx context.Context, payload []byte, headers http.Header) (*VerificationResult, error)
}

// ConfirmationVerifier asks the provider whether a payment happened. Failures to
// reach the provider return an OutcomeInvalid result with ErrVerificationUnreachable.
type ConfirmationVerifier interface {
	Verifier
	Confirm(ctx context.Context, req ConfirmationRequest) (*VerificationResult, error)
}

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(config AdapterConfig) (Verifier, error)
}
