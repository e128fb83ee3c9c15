package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns 32 hex characters of random UUID, optionally prefixed
// with "<prefix>_".
func NewID(prefix string) string {
	id := uuid.New()
	encoded := hex.EncodeToString(id[:])
	if prefix == "" {
		return encoded
	}
	return prefix + "_" + encoded
}
