// Package imapx implements the wire-protocol transport adapter over
// IMAP, with SMTP transmission for outbound raw payloads. The protocol
// is stateful and a selected mailbox is connection-global, so the
// adapter opens one session per call instead of sharing a connection
// across concurrent callers.
package imapx

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metrics"
	"github.com/fenilsonani/mailsync/internal/transport"
)

const providerName = "imap"

// DefaultCloseTimeout bounds how long a graceful logout may take before
// the connection is forcibly destroyed. Leaving half-closed sessions
// around leaks descriptors under adverse network conditions.
const DefaultCloseTimeout = 5 * time.Second

// Config configures the adapter for one account.
type Config struct {
	Email    string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
	Password string

	Sanitizer    transport.Sanitizer
	Logger       *logging.Logger
	CloseTimeout time.Duration
}

// Adapter is the IMAP/SMTP implementation of transport.Adapter.
type Adapter struct {
	cfg          Config
	sanitizer    transport.Sanitizer
	logger       *logging.Logger
	closeTimeout time.Duration
}

var _ transport.Adapter = (*Adapter)(nil)

// New returns an adapter; no connection is made until the first call.
func New(cfg Config) *Adapter {
	a := &Adapter{
		cfg:          cfg,
		sanitizer:    cfg.Sanitizer,
		logger:       cfg.Logger,
		closeTimeout: cfg.CloseTimeout,
	}
	if a.sanitizer == nil {
		a.sanitizer = transport.NopSanitizer{}
	}
	if a.logger == nil {
		a.logger = logging.Default()
	}
	if a.closeTimeout <= 0 {
		a.closeTimeout = DefaultCloseTimeout
	}
	return a
}

// Capabilities reports the full optional surface: the wire protocol
// supports everything.
func (a *Adapter) Capabilities() transport.Capability {
	return transport.CapSend |
		transport.CapDownloadAttachment |
		transport.CapMove |
		transport.CapDelete |
		transport.CapTestConnection
}

// connect dials and authenticates a fresh session.
func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", a.cfg.IMAPHost, a.cfg.IMAPPort)

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, &transport.ConnectError{Provider: providerName, Endpoint: addr, Err: err}
	}

	if err := client.Login(a.cfg.Email, a.cfg.Password).Wait(); err != nil {
		a.release(ctx, client)
		return nil, &transport.ConnectError{
			Provider: providerName,
			Endpoint: addr,
			Err:      fmt.Errorf("authentication failed for %s: %w", a.cfg.Email, err),
		}
	}

	return client, nil
}

// release closes a session, waiting up to the close timeout for a
// graceful logout before destroying the connection outright.
func (a *Adapter) release(ctx context.Context, client *imapclient.Client) {
	done := make(chan error, 1)
	go func() { done <- client.Logout().Wait() }()

	select {
	case <-done:
	case <-time.After(a.closeTimeout):
		metrics.SessionsForceClosed.Inc()
		a.logger.WarnContext(ctx, "logout timed out, destroying session",
			"host", a.cfg.IMAPHost, "timeout", a.closeTimeout.String())
		_ = client.Close()
	}
}

// withMailbox runs fn inside a fresh session with mailbox selected,
// releasing the session on every path.
func (a *Adapter) withMailbox(ctx context.Context, mailbox string, fn func(c *imapclient.Client, sel *imap.SelectData) error) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer a.release(ctx, client)

	sel, err := client.Select(mailbox, nil).Wait()
	if err != nil {
		return &transport.ProtocolError{
			Provider: providerName,
			Op:       "select " + mailbox,
			Excerpt:  err.Error(),
		}
	}

	return fn(client, sel)
}

// ListMailboxes returns every mailbox on the server with its hierarchy
// and attributes preserved.
func (a *Adapter) ListMailboxes(ctx context.Context) ([]transport.Mailbox, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer a.release(ctx, client)

	data, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &transport.ProtocolError{Provider: providerName, Op: "list", Excerpt: err.Error()}
	}

	mailboxes := make([]transport.Mailbox, 0, len(data))
	for _, d := range data {
		mailboxes = append(mailboxes, mailboxFromListData(d))
	}
	sort.SliceStable(mailboxes, func(i, j int) bool {
		if mailboxes[i].SortOrder != mailboxes[j].SortOrder {
			return mailboxes[i].SortOrder < mailboxes[j].SortOrder
		}
		return mailboxes[i].Path < mailboxes[j].Path
	})
	return mailboxes, nil
}

func mailboxFromListData(d *imap.ListData) transport.Mailbox {
	attrs := make([]string, 0, len(d.Attrs))
	for _, attr := range d.Attrs {
		attrs = append(attrs, string(attr))
	}

	name := d.Mailbox
	parent := ""
	if d.Delim != 0 {
		if idx := strings.LastIndex(d.Mailbox, string(d.Delim)); idx >= 0 {
			name = d.Mailbox[idx+1:]
			parent = d.Mailbox[:idx]
		}
	}

	return transport.Mailbox{
		Path:       d.Mailbox,
		Name:       name,
		ParentPath: parent,
		Attributes: attrs,
		SortOrder:  sortOrderFor(d.Mailbox, attrs),
	}
}

// sortOrderFor ranks special-use mailboxes ahead of ordinary folders.
func sortOrderFor(path string, attrs []string) int {
	if strings.EqualFold(path, "INBOX") {
		return 0
	}
	ranks := map[string]int{
		`\Drafts`:  1,
		`\Sent`:    2,
		`\Junk`:    3,
		`\Trash`:   4,
		`\Archive`: 5,
	}
	for _, attr := range attrs {
		if rank, ok := ranks[attr]; ok {
			return rank
		}
	}
	return 100
}

// ListMessageIDs returns every UID in the mailbox, oldest first, with
// the current UIDVALIDITY as the generation token.
func (a *Adapter) ListMessageIDs(ctx context.Context, mailbox string) (transport.IDList, error) {
	var list transport.IDList
	err := a.withMailbox(ctx, mailbox, func(client *imapclient.Client, sel *imap.SelectData) error {
		list.Generation = sel.UIDValidity
		uids, err := searchAllUIDs(client)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			list.ExternalIDs = append(list.ExternalIDs, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	if err != nil {
		return transport.IDList{}, err
	}
	return list, nil
}

func searchAllUIDs(client *imapclient.Client) ([]imap.UID, error) {
	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, &transport.ProtocolError{Provider: providerName, Op: "uid search", Excerpt: err.Error()}
	}
	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchByIDs fetches the given UIDs with bodies inline, oldest first.
func (a *Adapter) FetchByIDs(ctx context.Context, mailbox string, ids []string) ([]transport.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uid, err := parseUID(id)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var messages []transport.Message
	err := a.withMailbox(ctx, mailbox, func(client *imapclient.Client, sel *imap.SelectData) error {
		var err error
		messages, err = a.fetchUIDs(client, sel.UIDValidity, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesFetched.WithLabelValues(providerName).Add(float64(len(messages)))
	return messages, nil
}

// FetchRecent lists every UID in the mailbox, filters to those newer
// than the cursor, and fetches the most recent limit of them with
// bodies inline. The numeric cursor comparison is only trusted when the
// caller's generation matches the mailbox's current UIDVALIDITY;
// identifier reuse across generations would otherwise silently skip
// messages.
func (a *Adapter) FetchRecent(ctx context.Context, opts transport.FetchOptions) ([]transport.Message, error) {
	var messages []transport.Message

	err := a.withMailbox(ctx, opts.Mailbox, func(client *imapclient.Client, sel *imap.SelectData) error {
		generation := sel.UIDValidity

		uids, err := searchAllUIDs(client)
		if err != nil {
			return err
		}
		uids = filterUIDs(uids, opts.SinceExternalID, opts.SinceGeneration, generation)
		if opts.Limit > 0 && len(uids) > opts.Limit {
			uids = uids[len(uids)-opts.Limit:]
		}

		messages, err = a.fetchUIDs(client, generation, uids)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesFetched.WithLabelValues(providerName).Add(float64(len(messages)))
	return messages, nil
}

func (a *Adapter) fetchUIDs(client *imapclient.Client, generation uint32, uids []imap.UID) ([]transport.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	var messages []transport.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			// Bodies arrive inline with the listing here; a garbled
			// message usually means a broken connection, so the whole
			// batch fails rather than silently thinning out.
			fetchCmd.Close()
			return nil, &transport.ParseError{Err: err}
		}

		normalized, err := a.normalize(buf, bodySection, generation)
		if err != nil {
			fetchCmd.Close()
			return nil, err
		}
		messages = append(messages, normalized)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &transport.ProtocolError{Provider: providerName, Op: "fetch", Excerpt: err.Error()}
	}
	return messages, nil
}

// filterUIDs drops identifiers at or below the cursor. With a stale
// generation the full list is returned and the caller's membership
// check decides what is pending.
func filterUIDs(uids []imap.UID, sinceExternalID string, sinceGeneration, currentGeneration uint32) []imap.UID {
	if sinceExternalID == "" || sinceGeneration != currentGeneration {
		return uids
	}
	since, err := strconv.ParseUint(sinceExternalID, 10, 32)
	if err != nil {
		return uids
	}
	filtered := uids[:0]
	for _, uid := range uids {
		if uint64(uid) > since {
			filtered = append(filtered, uid)
		}
	}
	return filtered
}

// MarkAsRead adds \Seen on the message.
func (a *Adapter) MarkAsRead(ctx context.Context, mailbox, externalID string) error {
	return a.storeFlags(ctx, mailbox, externalID, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen})
}

// SetFlagged adds or removes \Flagged on the message.
func (a *Adapter) SetFlagged(ctx context.Context, mailbox, externalID string, flagged bool) error {
	op := imap.StoreFlagsAdd
	if !flagged {
		op = imap.StoreFlagsDel
	}
	return a.storeFlags(ctx, mailbox, externalID, op, []imap.Flag{imap.FlagFlagged})
}

func (a *Adapter) storeFlags(ctx context.Context, mailbox, externalID string, op imap.StoreFlagsOp, flags []imap.Flag) error {
	uid, err := parseUID(externalID)
	if err != nil {
		return err
	}
	return a.withMailbox(ctx, mailbox, func(client *imapclient.Client, _ *imap.SelectData) error {
		storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  flags,
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return &transport.ProtocolError{Provider: providerName, Op: "store flags", Excerpt: err.Error()}
		}
		return nil
	})
}

// MoveMessage moves the message to another mailbox on the server.
func (a *Adapter) MoveMessage(ctx context.Context, fromMailbox, toMailbox, externalID string) error {
	uid, err := parseUID(externalID)
	if err != nil {
		return err
	}
	return a.withMailbox(ctx, fromMailbox, func(client *imapclient.Client, _ *imap.SelectData) error {
		if _, err := client.Move(imap.UIDSetNum(uid), toMailbox).Wait(); err != nil {
			return &transport.ProtocolError{
				Provider: providerName,
				Op:       fmt.Sprintf("move to %s", toMailbox),
				Excerpt:  err.Error(),
			}
		}
		return nil
	})
}

// DeleteMessage flags the message deleted and expunges the mailbox.
func (a *Adapter) DeleteMessage(ctx context.Context, mailbox, externalID string) error {
	uid, err := parseUID(externalID)
	if err != nil {
		return err
	}
	return a.withMailbox(ctx, mailbox, func(client *imapclient.Client, _ *imap.SelectData) error {
		storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return &transport.ProtocolError{Provider: providerName, Op: "store \\Deleted", Excerpt: err.Error()}
		}
		if err := client.Expunge().Close(); err != nil {
			return &transport.ProtocolError{Provider: providerName, Op: "expunge", Excerpt: err.Error()}
		}
		return nil
	})
}

// TestConnection dials and authenticates, then releases the session.
func (a *Adapter) TestConnection(ctx context.Context) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	a.release(ctx, client)
	return nil
}

// Dispose is a no-op: sessions are opened and released per call.
func (a *Adapter) Dispose(ctx context.Context) error { return nil }

func parseUID(externalID string) (imap.UID, error) {
	n, err := strconv.ParseUint(externalID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap external id %q is not a uid: %w", externalID, err)
	}
	return imap.UID(n), nil
}
