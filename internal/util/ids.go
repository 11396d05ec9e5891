package util

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDGenerator produces unique string identifiers.
type IDGenerator func() string

// NewID returns an RFC 9562 UUIDv7 string. v7 ids sort by creation time, which
// keeps event and session listings in order without an extra index.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// PrefixedID returns a generator that prepends prefix to every NewID.
func PrefixedID(prefix string) IDGenerator {
	return func() string {
		return prefix + NewID()
	}
}

// AnonymousUserKey is the reserved bucket for sessions without a user id.
const AnonymousUserKey = "anonymous"

const userKeyPrefix = "u_"

// UserKey maps a user id to a filesystem-safe, collision-free directory name.
// The empty user id maps to AnonymousUserKey.
func UserKey(userID string) string {
	if userID == "" {
		return AnonymousUserKey
	}
	return userKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// UserIDFromKey reverses UserKey.
func UserIDFromKey(key string) (string, error) {
	if key == AnonymousUserKey {
		return "", nil
	}
	if !strings.HasPrefix(key, userKeyPrefix) {
		return "", fmt.Errorf("not a user key: %q", key)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, userKeyPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid user key %q: %w", key, err)
	}
	return string(raw), nil
}
