package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites sensitive data with zero bytes. The subtle compare and
// KeepAlive discourage the compiler from eliding the overwrite.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
}

// WipeAll wipes every buffer in turn.
func WipeAll(buffers ...[]byte) {
	for _, b := range buffers {
		Wipe(b)
	}
}
