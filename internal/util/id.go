// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with an optional type prefix, e.g.
// "msg_9f2c…". Temporary ids for pending chat entries use the "tmp" prefix so
// they can never collide with a server-assigned id.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
