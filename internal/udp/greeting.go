package udp

import (
	_ "embed"
)

//go:embed greeting.txt
var defaultGreeting []byte

// DefaultGreeting returns a copy of the embedded greeting blob.
func DefaultGreeting() []byte {
	out := make([]byte, len(defaultGreeting))
	copy(out, defaultGreeting)
	return out
}
