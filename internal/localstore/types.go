package localstore

import (
	"errors"
	"time"

	"github.com/fenilsonani/mailsync/internal/transport"
)

// ErrNotFound is returned by mutations targeting a message that is not
// stored locally. Reads never return it; a missing file reads as nil.
var ErrNotFound = errors.New("localstore: message not found")

// Meta is the per-message metadata file (meta.json). The Has* booleans
// are derived from which optional content files exist; the files
// themselves carry the content.
type Meta struct {
	AccountEmail string `json:"accountEmail"`
	MailboxPath  string `json:"mailboxPath"`
	ExternalID   string `json:"externalId"`
	Generation   uint32 `json:"generation,omitempty"`

	MessageID string              `json:"messageId,omitempty"`
	Subject   string              `json:"subject"`
	From      []transport.Address `json:"from,omitempty"`
	To        []transport.Address `json:"to,omitempty"`
	Cc        []transport.Address `json:"cc,omitempty"`
	Bcc       []transport.Address `json:"bcc,omitempty"`
	Date      time.Time           `json:"date"`
	Flags     []string            `json:"flags"`
	Snippet   string              `json:"snippet,omitempty"`
	Size      int64               `json:"size"`

	Attachments []transport.Attachment `json:"attachments,omitempty"`

	HasBodyHTML   bool `json:"hasBodyHtml"`
	HasBodyText   bool `json:"hasBodyText"`
	HasRawMessage bool `json:"hasRawMessage"`

	// CachedAttachments lists filenames present under attachments/.
	CachedAttachments []string `json:"cachedAttachments,omitempty"`

	// AuthResults records the DKIM verification outcome for messages
	// stored with their raw form, when verification was performed.
	AuthResults string `json:"authResults,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageFields is the input to WriteMessage. Body fields left empty
// create no files; the absence of a body file is itself metadata.
type MessageFields struct {
	AccountEmail string
	MailboxPath  string
	ExternalID   string
	Generation   uint32

	MessageID string
	Subject   string
	From      []transport.Address
	To        []transport.Address
	Cc        []transport.Address
	Bcc       []transport.Address
	Date      time.Time
	Flags     []string
	Snippet   string
	Size      int64

	Attachments []transport.Attachment

	BodyHTML    string
	BodyHTMLRaw string
	BodyText    string
	Raw         []byte

	AuthResults string
}

// IndexEntry is the compact projection of a message appended to the
// per-mailbox index log, one physical row per mutation. Readers reduce
// rows by ExternalID with last-line-wins.
type IndexEntry struct {
	ExternalID     string    `json:"externalId"`
	MessageID      string    `json:"messageId,omitempty"`
	Subject        string    `json:"subject"`
	From           string    `json:"from,omitempty"`
	Date           time.Time `json:"date"`
	Flags          []string  `json:"flags"`
	Snippet        string    `json:"snippet,omitempty"`
	Size           int64     `json:"size"`
	HasAttachments bool      `json:"hasAttachments"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func entryFromMeta(m *Meta) IndexEntry {
	e := IndexEntry{
		ExternalID:     m.ExternalID,
		MessageID:      m.MessageID,
		Subject:        m.Subject,
		Date:           m.Date,
		Flags:          m.Flags,
		Snippet:        m.Snippet,
		Size:           m.Size,
		HasAttachments: len(m.Attachments) > 0,
		UpdatedAt:      m.UpdatedAt,
	}
	if len(m.From) > 0 {
		e.From = m.From[0].Email
	}
	return e
}
