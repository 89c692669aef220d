package udp

import "errors"

var (
	// ErrRelayClosed is returned when operating on a closed relay.
	ErrRelayClosed = errors.New("relay closed")

	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("relay not listening")

	// ErrAlreadyServing is returned when Serve is called twice.
	ErrAlreadyServing = errors.New("relay already serving")

	// ErrFamilyMismatch is returned when the remote address cannot be
	// reached from the upstream socket's address family.
	ErrFamilyMismatch = errors.New("remote address family not supported by upstream socket")
)
