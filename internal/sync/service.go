// Package sync orchestrates mailbox synchronization between remote
// transports, the canonical metadata store, and the file-backed local
// store. The canonical store is authoritative; the local store is a
// best-effort offline copy whose write failures never fail a run.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/fenilsonani/mailsync/internal/credential"
	"github.com/fenilsonani/mailsync/internal/localstore"
	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metadata"
	"github.com/fenilsonani/mailsync/internal/metrics"
	"github.com/fenilsonani/mailsync/internal/notify"
	"github.com/fenilsonani/mailsync/internal/transport"
	"github.com/fenilsonani/mailsync/internal/transport/factory"
)

// DefaultFetchLimit caps how many of the most recent identifiers one
// run considers.
const DefaultFetchLimit = 50

// AdapterOpener resolves credentials and constructs the transport
// adapter for an account. Swapped in tests.
type AdapterOpener func(ctx context.Context, account metadata.AccountRecord) (transport.Adapter, error)

// Config wires a Service.
type Config struct {
	WorkspaceID string

	Accounts *metadata.AccountStore
	Messages *metadata.MessageStore
	Cursors  *metadata.CursorStore
	Local    *localstore.Store

	Resolver  *credential.Resolver
	Refresher credential.TokenRefresher
	Sanitizer transport.Sanitizer

	Bus    *notify.Bus
	Logger *logging.Logger

	// FetchLimit overrides DefaultFetchLimit when positive.
	FetchLimit int
	// CloseTimeout bounds the wire adapter's graceful teardown; zero
	// uses the adapter default.
	CloseTimeout time.Duration
	// SkipTransport makes flag mutations local-only; used in tests and
	// offline operation.
	SkipTransport bool
	// VerifyDKIM records signature verification results for messages
	// stored with their raw form.
	VerifyDKIM bool

	// OpenAdapter overrides credential resolution and adapter
	// construction, for tests.
	OpenAdapter AdapterOpener
}

// Service runs sync and mutation operations for one workspace.
type Service struct {
	cfg    Config
	logger *logging.Logger
}

// NewService validates the wiring and returns a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Accounts == nil || cfg.Messages == nil || cfg.Cursors == nil {
		return nil, fmt.Errorf("sync: metadata stores are required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("sync: local store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	s := &Service{cfg: cfg, logger: cfg.Logger}
	if s.cfg.OpenAdapter == nil {
		s.cfg.OpenAdapter = s.openAdapter
	}
	return s, nil
}

// OpenAdapter resolves the account's credential and constructs its
// transport adapter, using the configured opener. Exported so other
// surfaces, like the attachment endpoint, share the engine's wiring.
func (s *Service) OpenAdapter(ctx context.Context, account metadata.AccountRecord) (transport.Adapter, error) {
	return s.cfg.OpenAdapter(ctx, account)
}

// openAdapter resolves the account's credential and constructs its
// transport adapter. Construction itself makes no network call;
// connect failures surface on the first transport operation.
func (s *Service) openAdapter(ctx context.Context, account metadata.AccountRecord) (transport.Adapter, error) {
	opts := factory.Options{
		WorkspaceID:  s.cfg.WorkspaceID,
		Sanitizer:    s.cfg.Sanitizer,
		Logger:       s.logger,
		CloseTimeout: s.cfg.CloseTimeout,
	}

	switch account.AuthMode {
	case transport.AuthPassword:
		if s.cfg.Resolver == nil {
			return nil, &credential.Error{Account: account.Email, Reason: "no password resolver configured"}
		}
		password, err := s.cfg.Resolver.ResolvePassword(account.Email, account.PasswordRef)
		if err != nil {
			return nil, err
		}
		opts.Password = password
	case transport.AuthOAuthGoogle, transport.AuthOAuthMicrosoft:
		if s.cfg.Refresher == nil {
			return nil, &credential.Error{Account: account.Email, Reason: "no token refresher configured"}
		}
		provider := "gmail"
		if account.AuthMode == transport.AuthOAuthMicrosoft {
			provider = "outlook"
		}
		opts.TokenSource = credential.TokenSourceFor(s.cfg.Refresher, s.cfg.WorkspaceID, account.Email, provider)
	}

	return factory.New(factory.AccountConfig{
		Email:    account.Email,
		AuthMode: account.AuthMode,
		IMAPHost: account.IMAPHost,
		IMAPPort: account.IMAPPort,
		SMTPHost: account.SMTPHost,
		SMTPPort: account.SMTPPort,
	}, opts)
}

// SyncMailbox runs one full sync of (account, mailbox): list remote
// identifiers, diff the most recent ones against the canonical store,
// fetch what is missing, upsert, and advance the cursor. An empty
// mailbox is a successful sync that still refreshes the cursor and
// clears any prior error.
func (s *Service) SyncMailbox(ctx context.Context, accountEmail, mailbox string) error {
	ctx = logging.WithAccount(ctx, accountEmail)
	ctx = logging.WithMailbox(ctx, mailbox)
	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	account, err := s.cfg.Accounts.Get(ctx, s.cfg.WorkspaceID, accountEmail)
	if err != nil {
		return s.fail(ctx, accountEmail, mailbox, fmt.Errorf("loading account: %w", err))
	}

	adapter, err := s.cfg.OpenAdapter(ctx, *account)
	if err != nil {
		return s.fail(ctx, accountEmail, mailbox, err)
	}
	defer func() {
		if err := adapter.Dispose(ctx); err != nil {
			s.logger.WarnContext(ctx, "transport dispose failed", "error", err.Error())
		}
	}()

	list, err := adapter.ListMessageIDs(ctx, mailbox)
	if err != nil {
		return s.fail(ctx, accountEmail, mailbox, err)
	}

	if len(list.ExternalIDs) == 0 {
		return s.succeed(ctx, accountEmail, mailbox, list.Generation, "", 0)
	}

	recent := list.ExternalIDs
	if len(recent) > s.cfg.FetchLimit {
		recent = recent[len(recent)-s.cfg.FetchLimit:]
	}

	existing, err := s.cfg.Messages.FindExistingIDs(ctx, s.cfg.WorkspaceID, accountEmail, mailbox, recent)
	if err != nil {
		return s.fail(ctx, accountEmail, mailbox, fmt.Errorf("filtering pending ids: %w", err))
	}
	pending := make([]string, 0, len(recent))
	for _, id := range recent {
		if !existing[id] {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return s.succeed(ctx, accountEmail, mailbox, list.Generation, list.Highest(), 0)
	}

	messages, err := adapter.FetchByIDs(ctx, mailbox, pending)
	if err != nil {
		return s.fail(ctx, accountEmail, mailbox, err)
	}

	for _, msg := range messages {
		rec := recordFromMessage(s.cfg.WorkspaceID, accountEmail, mailbox, msg)
		if err := s.cfg.Messages.Upsert(ctx, rec); err != nil {
			return s.fail(ctx, accountEmail, mailbox, fmt.Errorf("canonical upsert: %w", err))
		}
		s.dualWrite(ctx, accountEmail, mailbox, msg)
		s.publish(ctx, notify.Event{
			Type:        notify.EventMessageStored,
			WorkspaceID: s.cfg.WorkspaceID,
			Account:     accountEmail,
			Mailbox:     mailbox,
			ExternalID:  msg.ExternalID,
		})
	}

	return s.succeed(ctx, accountEmail, mailbox, list.Generation, list.Highest(), len(messages))
}

// SyncAccount syncs every mailbox on the account.
func (s *Service) SyncAccount(ctx context.Context, accountEmail string) error {
	account, err := s.cfg.Accounts.Get(ctx, s.cfg.WorkspaceID, accountEmail)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}
	adapter, err := s.cfg.OpenAdapter(ctx, *account)
	if err != nil {
		return err
	}
	mailboxes, err := adapter.ListMailboxes(ctx)
	if derr := adapter.Dispose(ctx); derr != nil {
		s.logger.WarnContext(ctx, "transport dispose failed", "error", derr.Error())
	}
	if err != nil {
		return err
	}

	var firstErr error
	for _, mb := range mailboxes {
		if err := s.SyncMailbox(ctx, accountEmail, mb.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) succeed(ctx context.Context, accountEmail, mailbox string, generation uint32, highest string, fetched int) error {
	if err := s.cfg.Cursors.Advance(ctx, s.cfg.WorkspaceID, accountEmail, mailbox, generation, highest); err != nil {
		return s.fail(ctx, accountEmail, mailbox, fmt.Errorf("advancing cursor: %w", err))
	}
	metrics.SyncRuns.WithLabelValues("success").Inc()
	s.logger.InfoContext(ctx, "sync completed", "fetched", fetched, "generation", generation, "highest", highest)
	s.publish(ctx, notify.Event{
		Type:        notify.EventSyncCompleted,
		WorkspaceID: s.cfg.WorkspaceID,
		Account:     accountEmail,
		Mailbox:     mailbox,
	})
	return nil
}

// fail records the error on the mailbox's status, so the most recent
// failure is visible until the next successful run clears it, and
// returns it to the caller.
func (s *Service) fail(ctx context.Context, accountEmail, mailbox string, err error) error {
	metrics.SyncRuns.WithLabelValues("failed").Inc()
	recordTransportError(err)
	if rerr := s.cfg.Cursors.RecordError(ctx, s.cfg.WorkspaceID, accountEmail, mailbox, err.Error()); rerr != nil {
		s.logger.ErrorContext(ctx, "recording sync error failed", rerr)
	}
	s.logger.ErrorContext(ctx, "sync failed", err)
	s.publish(ctx, notify.Event{
		Type:        notify.EventSyncFailed,
		WorkspaceID: s.cfg.WorkspaceID,
		Account:     accountEmail,
		Mailbox:     mailbox,
		Detail:      err.Error(),
	})
	return err
}

func recordTransportError(err error) {
	switch {
	case transport.IsConnectError(err):
		metrics.TransportErrors.WithLabelValues("transport", "connect").Inc()
	case transport.IsProtocolError(err):
		metrics.TransportErrors.WithLabelValues("transport", "protocol").Inc()
	case transport.IsParseError(err):
		metrics.TransportErrors.WithLabelValues("transport", "parse").Inc()
	case credential.IsCredentialError(err):
		metrics.TransportErrors.WithLabelValues("credential", "credential").Inc()
	}
}

// dualWrite copies the fetched message into the local store. Failures
// are logged, never raised: the canonical row is already correct and
// the local copy is just a stale cache until the next sync.
func (s *Service) dualWrite(ctx context.Context, accountEmail, mailbox string, msg transport.Message) {
	fields := localstore.MessageFields{
		AccountEmail: accountEmail,
		MailboxPath:  mailbox,
		ExternalID:   msg.ExternalID,
		Generation:   msg.Generation,
		MessageID:    msg.MessageID,
		Subject:      msg.Subject,
		From:         msg.From,
		To:           msg.To,
		Cc:           msg.Cc,
		Bcc:          msg.Bcc,
		Date:         msg.Date,
		Flags:        msg.Flags,
		Snippet:      msg.Snippet,
		Size:         msg.Size,
		Attachments:  msg.Attachments,
		BodyHTML:     msg.BodyHTML,
		BodyHTMLRaw:  msg.BodyHTMLRaw,
		BodyText:     msg.BodyText,
		Raw:          msg.Raw,
	}
	if s.cfg.VerifyDKIM && len(msg.Raw) > 0 {
		fields.AuthResults = verifySignatures(msg.Raw)
	}
	if err := s.cfg.Local.WriteMessage(fields); err != nil {
		s.logger.WarnContext(ctx, "local store write failed",
			"external_id", msg.ExternalID, "error", err.Error())
	}
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(ctx, event)
}

func recordFromMessage(workspaceID, accountEmail, mailbox string, msg transport.Message) metadata.MessageRecord {
	return metadata.MessageRecord{
		MessageKey: metadata.MessageKey{
			WorkspaceID: workspaceID,
			Account:     accountEmail,
			Mailbox:     mailbox,
			ExternalID:  msg.ExternalID,
		},
		MessageID:      msg.MessageID,
		Subject:        msg.Subject,
		From:           msg.From,
		Recipients:     append(append([]transport.Address{}, msg.To...), msg.Cc...),
		Date:           msg.Date,
		Flags:          msg.Flags,
		Snippet:        msg.Snippet,
		Size:           msg.Size,
		HasAttachments: len(msg.Attachments) > 0,
	}
}
