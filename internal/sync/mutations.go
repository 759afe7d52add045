package sync

import (
	"context"
	"fmt"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metadata"
	"github.com/fenilsonani/mailsync/internal/notify"
	"github.com/fenilsonani/mailsync/internal/transport"
)

// MarkEmailMessageRead marks a synced message read: remote first, then
// canonical, then the best-effort local copy. Already-read messages
// short-circuit without touching the transport.
func (s *Service) MarkEmailMessageRead(ctx context.Context, accountEmail, mailbox, externalID string) error {
	return s.mutateFlags(ctx, accountEmail, mailbox, externalID,
		func(rec *metadata.MessageRecord) bool { return rec.IsRead() },
		func(flags []string) []string { return transport.AddFlag(flags, transport.FlagSeen) },
		func(ctx context.Context, adapter transport.Adapter) error {
			return adapter.MarkAsRead(ctx, mailbox, externalID)
		},
	)
}

// SetEmailMessageFlagged sets or clears the flagged marker with the
// same discipline as MarkEmailMessageRead.
func (s *Service) SetEmailMessageFlagged(ctx context.Context, accountEmail, mailbox, externalID string, flagged bool) error {
	return s.mutateFlags(ctx, accountEmail, mailbox, externalID,
		func(rec *metadata.MessageRecord) bool { return rec.IsFlagged() == flagged },
		func(flags []string) []string {
			if flagged {
				return transport.AddFlag(flags, transport.FlagFlagged)
			}
			return transport.RemoveFlag(flags, transport.FlagFlagged)
		},
		func(ctx context.Context, adapter transport.Adapter) error {
			return adapter.SetFlagged(ctx, mailbox, externalID, flagged)
		},
	)
}

// mutateFlags is the shared mutation machine: canonical lookup →
// idempotent short-circuit → remote mutation (unless skip-transport) →
// canonical update → best-effort local update. Any failure before the
// remote mutation aborts with no partial state.
func (s *Service) mutateFlags(
	ctx context.Context,
	accountEmail, mailbox, externalID string,
	alreadyDone func(*metadata.MessageRecord) bool,
	applyFlags func([]string) []string,
	remote func(context.Context, transport.Adapter) error,
) error {
	ctx = logging.WithAccount(ctx, accountEmail)
	ctx = logging.WithMailbox(ctx, mailbox)
	ctx = logging.WithExternalID(ctx, externalID)

	key := metadata.MessageKey{
		WorkspaceID: s.cfg.WorkspaceID,
		Account:     accountEmail,
		Mailbox:     mailbox,
		ExternalID:  externalID,
	}
	rec, err := s.cfg.Messages.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading canonical record: %w", err)
	}
	if alreadyDone(rec) {
		return nil
	}

	if !s.cfg.SkipTransport {
		account, err := s.cfg.Accounts.Get(ctx, s.cfg.WorkspaceID, accountEmail)
		if err != nil {
			return fmt.Errorf("loading account: %w", err)
		}
		adapter, err := s.cfg.OpenAdapter(ctx, *account)
		if err != nil {
			return s.recordMutationFailure(ctx, accountEmail, mailbox, err)
		}
		remoteErr := remote(ctx, adapter)
		if derr := adapter.Dispose(ctx); derr != nil {
			s.logger.WarnContext(ctx, "transport dispose failed", "error", derr.Error())
		}
		if remoteErr != nil {
			return s.recordMutationFailure(ctx, accountEmail, mailbox, remoteErr)
		}
	}

	flags := applyFlags(rec.Flags)
	if err := s.cfg.Messages.UpdateFlags(ctx, key, flags); err != nil {
		return fmt.Errorf("canonical flag update: %w", err)
	}

	// Remote and canonical are consistent now; a stale local copy is
	// tolerable until the next sync.
	if err := s.cfg.Local.UpdateFlags(accountEmail, mailbox, externalID, flags); err != nil {
		s.logger.WarnContext(ctx, "local store flag update failed", "error", err.Error())
	}

	s.publish(ctx, notify.Event{
		Type:        notify.EventFlagsChanged,
		WorkspaceID: s.cfg.WorkspaceID,
		Account:     accountEmail,
		Mailbox:     mailbox,
		ExternalID:  externalID,
	})
	return nil
}

func (s *Service) recordMutationFailure(ctx context.Context, accountEmail, mailbox string, err error) error {
	recordTransportError(err)
	if rerr := s.cfg.Cursors.RecordError(ctx, s.cfg.WorkspaceID, accountEmail, mailbox, err.Error()); rerr != nil {
		s.logger.ErrorContext(ctx, "recording mutation error failed", rerr)
	}
	return err
}
