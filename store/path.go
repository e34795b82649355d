package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Split returns the non-empty segments of path.
func Split(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Join builds a normalized path from segments.
func Join(parts ...string) string {
	var segs []string
	for _, p := range parts {
		segs = append(segs, Split(p)...)
	}
	return strings.Join(segs, "/")
}

// Key returns the last segment of path.
func Key(p string) string {
	segs := Split(p)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// ValidatePath rejects segments the hosted database does not accept.
func ValidatePath(p string) error {
	for _, s := range Split(p) {
		if strings.ContainsAny(s, ".$#[]") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		for _, r := range s {
			if r < 0x20 || r == 0x7f {
				return fmt.Errorf("%w: %q", ErrInvalidPath, p)
			}
		}
	}
	return nil
}

// IsRelated reports whether one path is an ancestor of, descendant of, or equal to the other.
func IsRelated(a, b string) bool {
	as, bs := Split(a), Split(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// NewPushKey returns a key that sorts after every key previously returned in this process.
func NewPushKey() string {
	return uuid.Must(uuid.NewV7()).String()
}
