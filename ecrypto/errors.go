package ecrypto

import "errors"

var (
	// ErrUnknownKey indicates a public key outside the candidate set
	// was offered to a signature proof.
	ErrUnknownKey = errors.New("unknown public key")

	// ErrInvalidSignature indicates a signature that failed verification
	// against a known candidate key.
	ErrInvalidSignature = errors.New("invalid signature")
)
