package outlook

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metrics"
	"github.com/fenilsonani/mailsync/internal/transport"
)

const (
	folderPageSize  = 100
	messagePageSize = 50
	// maxFetchPages bounds how far back pagination walks when the
	// cursor's message was purged remotely and never appears.
	maxFetchPages = 10
)

// Config configures the adapter for one account.
type Config struct {
	Email       string
	WorkspaceID string
	Token       transport.TokenSource

	// BaseURL overrides the service endpoint, for tests.
	BaseURL    string
	HTTPClient *http.Client

	Sanitizer transport.Sanitizer
	Logger    *logging.Logger
}

// Adapter is the folder/message REST implementation of
// transport.Adapter.
type Adapter struct {
	cfg       Config
	client    *client
	sanitizer transport.Sanitizer
	logger    *logging.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

// New returns an adapter; no call is made until the first operation.
func New(cfg Config) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		client:    newClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient),
		sanitizer: cfg.Sanitizer,
		logger:    cfg.Logger,
	}
	if a.sanitizer == nil {
		a.sanitizer = transport.NopSanitizer{}
	}
	if a.logger == nil {
		a.logger = logging.Default()
	}
	return a
}

// Capabilities reports the full optional surface.
func (a *Adapter) Capabilities() transport.Capability {
	return transport.CapSend |
		transport.CapDownloadAttachment |
		transport.CapMove |
		transport.CapDelete |
		transport.CapTestConnection
}

type folderList struct {
	Value    []restFolder `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type restFolder struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	ParentFolderID string `json:"parentFolderId"`
}

// ListMailboxes pages through every mail folder. Path carries the
// opaque folder identifier the other operations need; DisplayName is
// only for presentation.
func (a *Adapter) ListMailboxes(ctx context.Context) ([]transport.Mailbox, error) {
	var mailboxes []transport.Mailbox

	query := url.Values{"$top": {strconv.Itoa(folderPageSize)}}
	var page folderList
	if err := a.client.get(ctx, "/me/mailFolders", query, &page); err != nil {
		return nil, err
	}
	for {
		for _, f := range page.Value {
			mailboxes = append(mailboxes, transport.Mailbox{
				Path:       f.ID,
				Name:       f.DisplayName,
				ParentPath: f.ParentFolderID,
				SortOrder:  sortOrderFor(f.DisplayName),
			})
		}
		if page.NextLink == "" {
			break
		}
		next := page.NextLink
		page = folderList{}
		if err := a.client.getURL(ctx, next, &page); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(mailboxes, func(i, j int) bool {
		if mailboxes[i].SortOrder != mailboxes[j].SortOrder {
			return mailboxes[i].SortOrder < mailboxes[j].SortOrder
		}
		return mailboxes[i].Name < mailboxes[j].Name
	})
	return mailboxes, nil
}

func sortOrderFor(displayName string) int {
	ranks := map[string]int{
		"inbox":         0,
		"drafts":        1,
		"sent items":    2,
		"junk email":    3,
		"deleted items": 4,
		"archive":       5,
	}
	if rank, ok := ranks[strings.ToLower(displayName)]; ok {
		return rank
	}
	return 100
}

type messageList struct {
	Value    []restMessage `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type restMessage struct {
	ID                string          `json:"id"`
	InternetMessageID string          `json:"internetMessageId"`
	Subject           string          `json:"subject"`
	BodyPreview       string          `json:"bodyPreview"`
	ReceivedDateTime  time.Time       `json:"receivedDateTime"`
	IsRead            bool            `json:"isRead"`
	HasAttachments    bool            `json:"hasAttachments"`
	Flag              restFlag        `json:"flag"`
	Body              restBody        `json:"body"`
	From              restRecipient   `json:"from"`
	To                []restRecipient `json:"toRecipients"`
	Cc                []restRecipient `json:"ccRecipients"`
	Bcc               []restRecipient `json:"bccRecipients"`
}

type restFlag struct {
	FlagStatus string `json:"flagStatus"`
}

type restBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type restRecipient struct {
	EmailAddress restAddress `json:"emailAddress"`
}

type restAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ListMessageIDs pages the folder most-recent-first and returns the
// identifiers oldest first. Identifiers on this provider are stable,
// so the generation token is always zero. Pagination stops after
// maxFetchPages pages, so very large folders yield only the most
// recent maxFetchPages*messagePageSize identifiers.
func (a *Adapter) ListMessageIDs(ctx context.Context, mailbox string) (transport.IDList, error) {
	if mailbox == "" {
		return transport.IDList{}, fmt.Errorf("outlook: listing requires a mailbox id")
	}

	var ids []string
	query := url.Values{
		"$top":     {strconv.Itoa(messagePageSize)},
		"$orderby": {"receivedDateTime desc"},
		"$select":  {"id"},
	}
	var page messageList
	if err := a.client.get(ctx, "/me/mailFolders/"+url.PathEscape(mailbox)+"/messages", query, &page); err != nil {
		return transport.IDList{}, err
	}
	for pages := 0; ; pages++ {
		for _, raw := range page.Value {
			ids = append(ids, raw.ID)
		}
		if page.NextLink == "" || pages+1 >= maxFetchPages {
			break
		}
		next := page.NextLink
		page = messageList{}
		if err := a.client.getURL(ctx, next, &page); err != nil {
			return transport.IDList{}, err
		}
	}

	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return transport.IDList{ExternalIDs: ids}, nil
}

// FetchByIDs fetches each message individually. A message that fails
// to fetch or normalize is logged and skipped.
func (a *Adapter) FetchByIDs(ctx context.Context, mailbox string, ids []string) ([]transport.Message, error) {
	messages := make([]transport.Message, 0, len(ids))
	for _, id := range ids {
		var raw restMessage
		if err := a.client.get(ctx, "/me/messages/"+url.PathEscape(id), nil, &raw); err != nil {
			if transport.IsConnectError(err) {
				return nil, err
			}
			metrics.MessagesSkipped.WithLabelValues(providerName).Inc()
			a.logger.WarnContext(ctx, "skipping message that failed to fetch",
				"external_id", id, "mailbox", mailbox, "error", err.Error())
			continue
		}
		msg, err := a.normalize(ctx, raw)
		if err != nil {
			metrics.MessagesSkipped.WithLabelValues(providerName).Inc()
			a.logger.WarnContext(ctx, "skipping message that failed to normalize",
				"external_id", id, "mailbox", mailbox, "error", err.Error())
			continue
		}
		messages = append(messages, msg)
		metrics.MessagesFetched.WithLabelValues(providerName).Inc()
	}
	return messages, nil
}

// FetchRecent pages most-recent-first, stopping at the cursor's
// identifier when one is set. Identifiers are opaque, so the cursor is
// located by equality rather than numeric comparison. A message that
// fails normalization is logged and skipped; the batch continues.
func (a *Adapter) FetchRecent(ctx context.Context, opts transport.FetchOptions) ([]transport.Message, error) {
	if opts.Mailbox == "" {
		return nil, fmt.Errorf("outlook: fetch requires a mailbox id")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = messagePageSize
	}

	var messages []transport.Message
	query := url.Values{
		"$top":     {strconv.Itoa(messagePageSize)},
		"$orderby": {"receivedDateTime desc"},
	}

	var page messageList
	if err := a.client.get(ctx, "/me/mailFolders/"+url.PathEscape(opts.Mailbox)+"/messages", query, &page); err != nil {
		return nil, err
	}

	for pages := 0; ; pages++ {
		for _, raw := range page.Value {
			if opts.SinceExternalID != "" && raw.ID == opts.SinceExternalID {
				return reverseMessages(messages), nil
			}
			if len(messages) >= limit {
				return reverseMessages(messages), nil
			}

			msg, err := a.normalize(ctx, raw)
			if err != nil {
				metrics.MessagesSkipped.WithLabelValues(providerName).Inc()
				a.logger.WarnContext(ctx, "skipping message that failed to normalize",
					"external_id", raw.ID, "mailbox", opts.Mailbox, "error", err.Error())
				continue
			}
			messages = append(messages, msg)
			metrics.MessagesFetched.WithLabelValues(providerName).Inc()
		}

		if page.NextLink == "" || pages+1 >= maxFetchPages {
			break
		}
		next := page.NextLink
		page = messageList{}
		if err := a.client.getURL(ctx, next, &page); err != nil {
			return nil, err
		}
	}

	return reverseMessages(messages), nil
}

// reverseMessages flips most-recent-first page order into the
// oldest-first order callers expect.
func reverseMessages(messages []transport.Message) []transport.Message {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages
}

func (a *Adapter) normalize(ctx context.Context, raw restMessage) (transport.Message, error) {
	msg := transport.Message{
		ExternalID: raw.ID,
		MessageID:  strings.Trim(raw.InternetMessageID, "<>"),
		Subject:    raw.Subject,
		Snippet:    raw.BodyPreview,
		Date:       raw.ReceivedDateTime,
		From:       convertRecipients([]restRecipient{raw.From}),
		To:         convertRecipients(raw.To),
		Cc:         convertRecipients(raw.Cc),
		Bcc:        convertRecipients(raw.Bcc),
	}

	if raw.IsRead {
		msg.Flags = transport.AddFlag(msg.Flags, transport.FlagSeen)
	}
	if strings.EqualFold(raw.Flag.FlagStatus, "flagged") {
		msg.Flags = transport.AddFlag(msg.Flags, transport.FlagFlagged)
	}

	switch strings.ToLower(raw.Body.ContentType) {
	case "html":
		sanitized, err := a.sanitizer.Sanitize(raw.Body.Content)
		if err != nil {
			return transport.Message{}, fmt.Errorf("sanitize body: %w", err)
		}
		msg.BodyHTML = sanitized
		if sanitized != raw.Body.Content {
			msg.BodyHTMLRaw = raw.Body.Content
		}
	default:
		msg.BodyText = raw.Body.Content
	}
	msg.Size = int64(len(raw.Body.Content))

	if raw.HasAttachments {
		attachments, err := a.listAttachments(ctx, raw.ID)
		if err != nil {
			return transport.Message{}, err
		}
		msg.Attachments = attachments
	}

	return msg, nil
}

func convertRecipients(recipients []restRecipient) []transport.Address {
	var out []transport.Address
	for _, r := range recipients {
		if r.EmailAddress.Address == "" {
			continue
		}
		out = append(out, transport.Address{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		})
	}
	return out
}

type attachmentList struct {
	Value []restAttachment `json:"value"`
}

type restAttachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes"`
}

func (a *Adapter) listAttachments(ctx context.Context, messageID string) ([]transport.Attachment, error) {
	var list attachmentList
	query := url.Values{"$select": {"id,name,contentType,size"}}
	if err := a.client.get(ctx, "/me/messages/"+url.PathEscape(messageID)+"/attachments", query, &list); err != nil {
		return nil, err
	}
	attachments := make([]transport.Attachment, 0, len(list.Value))
	for _, att := range list.Value {
		attachments = append(attachments, transport.Attachment{
			Filename: att.Name,
			MIMEType: att.ContentType,
			Size:     att.Size,
		})
	}
	return attachments, nil
}

// MarkAsRead issues a partial update setting the read marker.
func (a *Adapter) MarkAsRead(ctx context.Context, mailbox, externalID string) error {
	body := map[string]any{"isRead": true}
	return a.client.patch(ctx, "/me/messages/"+url.PathEscape(externalID), body, nil)
}

// SetFlagged issues a partial update on the follow-up flag.
func (a *Adapter) SetFlagged(ctx context.Context, mailbox, externalID string, flagged bool) error {
	status := "notFlagged"
	if flagged {
		status = "flagged"
	}
	body := map[string]any{"flag": map[string]string{"flagStatus": status}}
	return a.client.patch(ctx, "/me/messages/"+url.PathEscape(externalID), body, nil)
}

// SendMessage submits a fully formed raw payload for transmission.
func (a *Adapter) SendMessage(ctx context.Context, from string, to []string, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("outgoing message has no raw payload")
	}
	body := map[string]any{
		"message": base64.StdEncoding.EncodeToString(raw),
	}
	return a.client.post(ctx, "/me/sendMail", body, nil)
}

// DownloadAttachment fetches attachment content by its position in the
// message's attachment list.
func (a *Adapter) DownloadAttachment(ctx context.Context, mailbox, externalID string, index int) (*transport.AttachmentContent, error) {
	var list attachmentList
	if err := a.client.get(ctx, "/me/messages/"+url.PathEscape(externalID)+"/attachments", nil, &list); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(list.Value) {
		return nil, fmt.Errorf("attachment %d on message %s: %w", index, externalID, transport.ErrAttachmentNotFound)
	}

	att := list.Value[index]
	data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil {
		return nil, &transport.ParseError{
			ExternalID: externalID,
			Err:        fmt.Errorf("decoding attachment %q: %w", att.Name, err),
		}
	}
	return &transport.AttachmentContent{
		Filename: att.Name,
		MIMEType: att.ContentType,
		Data:     data,
	}, nil
}

// MoveMessage moves the message by destination folder identifier.
func (a *Adapter) MoveMessage(ctx context.Context, fromMailbox, toMailbox, externalID string) error {
	body := map[string]string{"destinationId": toMailbox}
	return a.client.post(ctx, "/me/messages/"+url.PathEscape(externalID)+"/move", body, nil)
}

// DeleteMessage moves the message to the trash folder; the service
// treats deletion as a soft move.
func (a *Adapter) DeleteMessage(ctx context.Context, mailbox, externalID string) error {
	return a.client.delete(ctx, "/me/messages/"+url.PathEscape(externalID))
}

// TestConnection resolves a token and fetches the account profile.
func (a *Adapter) TestConnection(ctx context.Context) error {
	var profile struct {
		Mail string `json:"mail"`
	}
	return a.client.get(ctx, "/me", nil, &profile)
}

// Dispose is a no-op: there is no held connection.
func (a *Adapter) Dispose(ctx context.Context) error { return nil }
