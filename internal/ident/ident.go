package ident

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewID returns 32 lowercase hex characters (128 bits) from the system RNG.
// IDs are opaque to clients; collisions are not defended against.
func NewID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// The system RNG failing is unrecoverable.
		panic("ident: read random: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}

// NowMillis returns the current wall clock as Unix milliseconds, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Short returns an 8-character prefix of id for logging. Full identifiers
// must never reach the log stream.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
