package gmail

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

const defaultFetchLimit = 50

// Label membership stands in for flags on this provider.
const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
)

// curatedSystemLabels is the subset of system labels exposed as
// mailboxes, in presentation order. The provider has many more
// bookkeeping labels (category tabs, IMPORTANT) that are not folders
// in any meaningful sense.
var curatedSystemLabels = map[string]int{
	"INBOX": 0,
	"DRAFT": 1,
	"SENT":  2,
	"SPAM":  3,
	"TRASH": 4,
}

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

// Adapter is the label-based REST implementation of transport.Adapter.
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

// Capabilities omits CapMove: labels are not folders, so relocating a
// message has no provider-native equivalent here.
func (a *Adapter) Capabilities() transport.Capability {
	return transport.CapSend |
		transport.CapDownloadAttachment |
		transport.CapDelete |
		transport.CapTestConnection
}

type labelList struct {
	Labels []restLabel `json:"labels"`
}

type restLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ListMailboxes exposes the curated system labels plus every user
// label as a flat mailbox list. There is no hierarchy on this
// provider; ParentPath is always empty.
func (a *Adapter) ListMailboxes(ctx context.Context) ([]transport.Mailbox, error) {
	var list labelList
	if err := a.client.get(ctx, "/users/me/labels", nil, &list); err != nil {
		return nil, err
	}

	var mailboxes []transport.Mailbox
	for _, label := range list.Labels {
		switch label.Type {
		case "system":
			rank, ok := curatedSystemLabels[label.ID]
			if !ok {
				continue
			}
			mailboxes = append(mailboxes, transport.Mailbox{
				Path:      label.ID,
				Name:      displayNameFor(label.ID),
				SortOrder: rank,
			})
		default:
			mailboxes = append(mailboxes, transport.Mailbox{
				Path:      label.ID,
				Name:      label.Name,
				SortOrder: 100,
			})
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

func displayNameFor(labelID string) string {
	switch labelID {
	case "INBOX":
		return "Inbox"
	case "DRAFT":
		return "Drafts"
	case "SENT":
		return "Sent"
	case "SPAM":
		return "Spam"
	case "TRASH":
		return "Trash"
	}
	return labelID
}

type messageIDList struct {
	Messages      []messageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

type messageRef struct {
	ID string `json:"id"`
}

// ListMessageIDs lists every id under the label, oldest first.
// Identifiers on this provider are stable, so the generation token is
// always zero.
func (a *Adapter) ListMessageIDs(ctx context.Context, mailbox string) (transport.IDList, error) {
	if mailbox == "" {
		return transport.IDList{}, fmt.Errorf("gmail: listing requires a label id")
	}

	var ids []string
	pageToken := ""
	for {
		query := url.Values{
			"labelIds":   {mailbox},
			"maxResults": {"500"},
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var list messageIDList
		if err := a.client.get(ctx, "/users/me/messages", query, &list); err != nil {
			return transport.IDList{}, err
		}
		for _, ref := range list.Messages {
			ids = append(ids, ref.ID)
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	// The service lists most-recent-first.
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
		msg, err := a.fetchMessage(ctx, id)
		if err != nil {
			if transport.IsConnectError(err) {
				return nil, err
			}
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

// FetchRecent lists message ids under the label most-recent-first,
// stops at the cursor when it appears, then fetches each remaining
// message in full. A message that fails to fetch or normalize is
// logged and skipped.
func (a *Adapter) FetchRecent(ctx context.Context, opts transport.FetchOptions) ([]transport.Message, error) {
	if opts.Mailbox == "" {
		return nil, fmt.Errorf("gmail: fetch requires a label id")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	query := url.Values{
		"labelIds":   {opts.Mailbox},
		"maxResults": {strconv.Itoa(limit)},
	}
	var list messageIDList
	if err := a.client.get(ctx, "/users/me/messages", query, &list); err != nil {
		return nil, err
	}

	var pending []string
	for _, ref := range list.Messages {
		if opts.SinceExternalID != "" && ref.ID == opts.SinceExternalID {
			break
		}
		pending = append(pending, ref.ID)
	}

	// Oldest first, so downstream cursor updates see ascending order.
	messages := make([]transport.Message, 0, len(pending))
	for i := len(pending) - 1; i >= 0; i-- {
		msg, err := a.fetchMessage(ctx, pending[i])
		if err != nil {
			metrics.MessagesSkipped.WithLabelValues(providerName).Inc()
			a.logger.WarnContext(ctx, "skipping message that failed to normalize",
				"external_id", pending[i], "mailbox", opts.Mailbox, "error", err.Error())
			continue
		}
		messages = append(messages, msg)
		metrics.MessagesFetched.WithLabelValues(providerName).Inc()
	}
	return messages, nil
}

type restMessage struct {
	ID           string   `json:"id"`
	Snippet      string   `json:"snippet"`
	SizeEstimate int64    `json:"sizeEstimate"`
	InternalDate string   `json:"internalDate"`
	LabelIDs     []string `json:"labelIds"`
	Payload      restPart `json:"payload"`
}

func (a *Adapter) fetchMessage(ctx context.Context, id string) (transport.Message, error) {
	var raw restMessage
	query := url.Values{"format": {"full"}}
	if err := a.client.get(ctx, "/users/me/messages/"+url.PathEscape(id), query, &raw); err != nil {
		return transport.Message{}, err
	}
	return a.normalize(raw)
}

func (a *Adapter) normalize(raw restMessage) (transport.Message, error) {
	body := walkParts(raw.Payload)

	msg := transport.Message{
		ExternalID:  raw.ID,
		Snippet:     raw.Snippet,
		Size:        raw.SizeEstimate,
		BodyText:    body.Text,
		Attachments: body.Attachments,
	}

	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil {
		msg.Date = time.UnixMilli(ms).UTC()
	}

	headers := headerMap(raw.Payload.Headers)
	msg.MessageID = strings.Trim(headers["message-id"], "<>")
	msg.Subject = headers["subject"]
	msg.From = parseAddressList(headers["from"])
	msg.To = parseAddressList(headers["to"])
	msg.Cc = parseAddressList(headers["cc"])
	msg.Bcc = parseAddressList(headers["bcc"])

	if !hasLabel(raw.LabelIDs, labelUnread) {
		msg.Flags = transport.AddFlag(msg.Flags, transport.FlagSeen)
	}
	if hasLabel(raw.LabelIDs, labelStarred) {
		msg.Flags = transport.AddFlag(msg.Flags, transport.FlagFlagged)
	}

	sanitized, err := a.sanitizer.Sanitize(body.HTML)
	if err != nil {
		return transport.Message{}, &transport.ParseError{
			ExternalID: raw.ID,
			Err:        fmt.Errorf("sanitize body: %w", err),
		}
	}
	msg.BodyHTML = sanitized
	if sanitized != body.HTML {
		msg.BodyHTMLRaw = body.HTML
	}

	return msg, nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// MarkAsRead removes the unread label.
func (a *Adapter) MarkAsRead(ctx context.Context, mailbox, externalID string) error {
	return a.modifyLabels(ctx, externalID, nil, []string{labelUnread})
}

// SetFlagged adds or removes the starred label.
func (a *Adapter) SetFlagged(ctx context.Context, mailbox, externalID string, flagged bool) error {
	if flagged {
		return a.modifyLabels(ctx, externalID, []string{labelStarred}, nil)
	}
	return a.modifyLabels(ctx, externalID, nil, []string{labelStarred})
}

func (a *Adapter) modifyLabels(ctx context.Context, externalID string, add, remove []string) error {
	body := map[string][]string{}
	if len(add) > 0 {
		body["addLabelIds"] = add
	}
	if len(remove) > 0 {
		body["removeLabelIds"] = remove
	}
	return a.client.post(ctx, "/users/me/messages/"+url.PathEscape(externalID)+"/modify", body, nil)
}

// SendMessage submits a fully formed raw payload for transmission.
func (a *Adapter) SendMessage(ctx context.Context, from string, to []string, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("outgoing message has no raw payload")
	}
	body := map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	}
	return a.client.post(ctx, "/users/me/messages/send", body, nil)
}

// DownloadAttachment refetches the message to map the positional index
// onto the provider's attachment identifier, then fetches the content.
func (a *Adapter) DownloadAttachment(ctx context.Context, mailbox, externalID string, index int) (*transport.AttachmentContent, error) {
	var raw restMessage
	query := url.Values{"format": {"full"}}
	if err := a.client.get(ctx, "/users/me/messages/"+url.PathEscape(externalID), query, &raw); err != nil {
		return nil, err
	}

	refs := attachmentRefs(raw.Payload)
	if index < 0 || index >= len(refs) {
		return nil, fmt.Errorf("attachment %d on message %s: %w", index, externalID, transport.ErrAttachmentNotFound)
	}
	ref := refs[index]

	var att struct {
		Data string `json:"data"`
	}
	path := "/users/me/messages/" + url.PathEscape(externalID) + "/attachments/" + url.PathEscape(ref.AttachmentID)
	if err := a.client.get(ctx, path, nil, &att); err != nil {
		return nil, err
	}
	data, err := base64.URLEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, &transport.ParseError{
			ExternalID: externalID,
			Err:        fmt.Errorf("decoding attachment %q: %w", ref.Filename, err),
		}
	}
	return &transport.AttachmentContent{
		Filename: ref.Filename,
		MIMEType: ref.MIMEType,
		Data:     data,
	}, nil
}

// MoveMessage is not supported: labels are not folders.
func (a *Adapter) MoveMessage(ctx context.Context, fromMailbox, toMailbox, externalID string) error {
	return transport.ErrNotSupported
}

// DeleteMessage moves the message to the trash label.
func (a *Adapter) DeleteMessage(ctx context.Context, mailbox, externalID string) error {
	return a.client.post(ctx, "/users/me/messages/"+url.PathEscape(externalID)+"/trash", nil, nil)
}

// TestConnection resolves a token and fetches the account profile.
func (a *Adapter) TestConnection(ctx context.Context) error {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	return a.client.get(ctx, "/users/me/profile", nil, &profile)
}

// Dispose is a no-op: there is no held connection.
func (a *Adapter) Dispose(ctx context.Context) error { return nil }
