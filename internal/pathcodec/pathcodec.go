// Package pathcodec converts remote mailbox paths into filesystem-safe
// tokens and back. Mailbox paths are opaque remote identifiers and may
// contain separators, reserved characters, or arbitrary Unicode, so the
// on-disk directory name is a reversible encoding rather than the path
// itself.
package pathcodec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformedToken is returned by Decode for tokens that were not
// produced by Encode.
var ErrMalformedToken = errors.New("pathcodec: malformed mailbox path token")

// Encode returns a token safe for use as a single path segment. The
// encoding is a bijection: Decode(Encode(p)) == p for every string p.
func Encode(path string) string {
	return base64.URLEncoding.EncodeToString([]byte(path))
}

// Decode reverses Encode.
func Decode(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedToken, token, err)
	}
	return string(raw), nil
}
