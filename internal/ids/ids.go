package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Token prefixes.
const (
	HandlePrefix = "qh_"
	UndoPrefix   = "undo_"
)

// New generates a prefixed, lowercase ULID token.
func New(prefix string, now time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return prefix + strings.ToLower(id.String()), nil
}

// HasPrefix reports whether token looks like it was issued with prefix.
func HasPrefix(token, prefix string) bool {
	return strings.HasPrefix(token, prefix) && len(token) == len(prefix)+ulid.EncodedSize
}
