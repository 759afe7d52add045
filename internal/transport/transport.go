// Package transport defines the capability surface shared by all remote
// mailbox adapters. Each provider speaks a different protocol; adapters
// normalize listing, fetching, and mutation into the types below so the
// sync layer never sees provider wire formats.
package transport

import (
	"context"
	"strings"
	"time"
)

// AuthMode selects which adapter a factory constructs for an account.
type AuthMode string

const (
	AuthPassword       AuthMode = "password"
	AuthOAuthGoogle    AuthMode = "oauth_google"
	AuthOAuthMicrosoft AuthMode = "oauth_microsoft"
)

// Canonical flag tokens. Flags are compared case-insensitively and
// always stored with the leading backslash marker.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// CanonicalFlag normalizes a flag token to its canonical form. Tokens
// arriving from REST providers without the leading marker get one;
// well-known flags get canonical casing.
func CanonicalFlag(flag string) string {
	f := flag
	if !strings.HasPrefix(f, `\`) {
		f = `\` + f
	}
	for _, known := range []string{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft} {
		if strings.EqualFold(f, known) {
			return known
		}
	}
	return f
}

// HasFlag reports whether flags contains flag, case-insensitively.
func HasFlag(flags []string, flag string) bool {
	want := CanonicalFlag(flag)
	for _, f := range flags {
		if strings.EqualFold(CanonicalFlag(f), want) {
			return true
		}
	}
	return false
}

// AddFlag returns flags with flag present exactly once.
func AddFlag(flags []string, flag string) []string {
	if HasFlag(flags, flag) {
		return flags
	}
	return append(flags, CanonicalFlag(flag))
}

// RemoveFlag returns flags without flag.
func RemoveFlag(flags []string, flag string) []string {
	want := CanonicalFlag(flag)
	out := flags[:0]
	for _, f := range flags {
		if !strings.EqualFold(CanonicalFlag(f), want) {
			out = append(out, f)
		}
	}
	return out
}

// Address is a parsed envelope address.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment describes attachment metadata without its content.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// AttachmentContent is a downloaded attachment.
type AttachmentContent struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Mailbox is a remote folder normalized across providers. Path is the
// literal remote identifier and may itself contain separators.
type Mailbox struct {
	Path       string
	Name       string
	ParentPath string
	Attributes []string
	SortOrder  int
}

// Message is the normalized representation of one remote message.
// ExternalID is the protocol-native identifier; for the wire-protocol
// adapter it is only stable within one (mailbox, Generation) pair.
type Message struct {
	ExternalID  string
	Generation  uint32
	MessageID   string
	Subject     string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Date        time.Time
	Flags       []string
	Snippet     string
	Size        int64
	BodyHTML    string
	BodyHTMLRaw string
	BodyText    string
	Raw         []byte
	Attachments []Attachment
}

// IDList is a mailbox's full identifier listing at one generation,
// oldest first. Adapters without generational identifiers report
// generation zero.
type IDList struct {
	Generation  uint32
	ExternalIDs []string
}

// Highest returns the most recent identifier, or "" for an empty
// listing.
func (l IDList) Highest() string {
	if len(l.ExternalIDs) == 0 {
		return ""
	}
	return l.ExternalIDs[len(l.ExternalIDs)-1]
}

// FetchOptions controls FetchRecent.
type FetchOptions struct {
	Mailbox string
	// Limit caps the number of most-recent messages returned.
	Limit int
	// SinceExternalID, when set, excludes messages up to and including
	// this identifier.
	SinceExternalID string
	// SinceGeneration is the generation token SinceExternalID was
	// observed under. Adapters with generational identifiers must not
	// trust the numeric comparison when the current generation differs.
	SinceGeneration uint32
}

// Capability tags the optional operations an adapter supports. Callers
// must consult Capabilities before invoking an optional operation.
type Capability uint32

const (
	CapSend Capability = 1 << iota
	CapDownloadAttachment
	CapMove
	CapDelete
	CapTestConnection
)

// Has reports whether c includes cap.
func (c Capability) Has(cap Capability) bool { return c&cap != 0 }

// Adapter is the uniform contract over the remote mailbox protocols.
// ListMailboxes, FetchRecent, MarkAsRead, SetFlagged and Dispose are
// mandatory; the rest are gated by Capabilities and return
// ErrNotSupported on adapters lacking them. Adapters surface upstream
// failures as errors and never retry; retry policy belongs to callers.
type Adapter interface {
	Capabilities() Capability

	ListMailboxes(ctx context.Context) ([]Mailbox, error)
	ListMessageIDs(ctx context.Context, mailbox string) (IDList, error)
	FetchByIDs(ctx context.Context, mailbox string, ids []string) ([]Message, error)
	FetchRecent(ctx context.Context, opts FetchOptions) ([]Message, error)
	MarkAsRead(ctx context.Context, mailbox, externalID string) error
	SetFlagged(ctx context.Context, mailbox, externalID string, flagged bool) error

	SendMessage(ctx context.Context, from string, to []string, raw []byte) error
	DownloadAttachment(ctx context.Context, mailbox, externalID string, index int) (*AttachmentContent, error)
	MoveMessage(ctx context.Context, fromMailbox, toMailbox, externalID string) error
	DeleteMessage(ctx context.Context, mailbox, externalID string) error
	TestConnection(ctx context.Context) error

	// Dispose releases any held session. Safe to call more than once.
	Dispose(ctx context.Context) error
}

// TokenSource returns a currently-valid bearer token on each call.
// REST adapters invoke it per request and never cache the result, so
// refresh policy stays with the provider of the callback.
type TokenSource func(ctx context.Context) (string, error)

// Sanitizer cleans untrusted HTML bodies. The engine does not implement
// sanitization itself; callers inject one. Adapters keep the original
// HTML alongside the sanitized form whenever sanitization changed it.
type Sanitizer interface {
	Sanitize(html string) (string, error)
}

// NopSanitizer passes HTML through unchanged.
type NopSanitizer struct{}

func (NopSanitizer) Sanitize(html string) (string, error) { return html, nil }
