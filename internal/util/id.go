package util

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewVersion returns an opaque, lexically sortable version token. Tokens
// are compared only for equality by the save path; sortability is for
// operators reading the database.
func NewVersion() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
