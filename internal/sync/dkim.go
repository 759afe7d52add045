package sync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// verifySignatures checks the DKIM signatures on a raw message and
// summarizes the outcome in an Authentication-Results style string.
// Verification failure is recorded, not raised; a bad signature is a
// property of the message, not a sync error.
func verifySignatures(raw []byte) string {
	verifications, err := dkim.Verify(bytes.NewReader(raw))
	if err != nil {
		return "dkim=permerror"
	}
	if len(verifications) == 0 {
		return "dkim=none"
	}

	parts := make([]string, 0, len(verifications))
	for _, v := range verifications {
		if v.Err == nil {
			parts = append(parts, fmt.Sprintf("dkim=pass header.d=%s", v.Domain))
		} else {
			parts = append(parts, fmt.Sprintf("dkim=fail header.d=%s", v.Domain))
		}
	}
	return strings.Join(parts, "; ")
}
