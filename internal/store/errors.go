package store

import "errors"

var (
	// ErrNotFound is returned when an entity, device, or cache row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPairingCode is returned for any failed pairing-code redemption.
	// Deliberately carries no detail about why the code did not match.
	ErrPairingCode = errors.New("invalid pairing code")
)
