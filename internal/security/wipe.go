package security

import (
	"crypto/rand"
)

// WipeBytes overwrites a secret with random data and then zeros.
func WipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	rand.Read(data)
	clear(data)
}
