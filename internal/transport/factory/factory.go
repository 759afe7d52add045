// Package factory selects and constructs the transport adapter for an
// account. Selection is pure: it is keyed on the declared auth mode
// and fails fast on missing fields before any network call.
package factory

import (
	"fmt"
	"time"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/transport"
	"github.com/fenilsonani/mailsync/internal/transport/gmail"
	"github.com/fenilsonani/mailsync/internal/transport/imapx"
	"github.com/fenilsonani/mailsync/internal/transport/outlook"
)

// AccountConfig is the endpoint-facing slice of an account.
type AccountConfig struct {
	Email    string
	AuthMode transport.AuthMode

	// Password-mode endpoints.
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

// Options carries the per-construction collaborators. Password is the
// resolved secret for password mode; TokenSource returns a valid
// bearer token on each call for the OAuth modes and is never cached
// here.
type Options struct {
	Password    string
	WorkspaceID string
	TokenSource transport.TokenSource

	Sanitizer transport.Sanitizer
	Logger    *logging.Logger

	// CloseTimeout bounds the wire adapter's graceful teardown; zero
	// uses the adapter default.
	CloseTimeout time.Duration
}

// New constructs the adapter matching the account's auth mode.
func New(account AccountConfig, opts Options) (transport.Adapter, error) {
	if account.Email == "" {
		return nil, fmt.Errorf("transport factory: account email is required")
	}

	switch account.AuthMode {
	case transport.AuthPassword:
		if account.IMAPHost == "" || account.IMAPPort == 0 {
			return nil, fmt.Errorf("transport factory: %s: password mode requires imap endpoint", account.Email)
		}
		if account.SMTPHost == "" || account.SMTPPort == 0 {
			return nil, fmt.Errorf("transport factory: %s: password mode requires smtp endpoint", account.Email)
		}
		if opts.Password == "" {
			return nil, fmt.Errorf("transport factory: %s: password mode requires a resolved password", account.Email)
		}
		return imapx.New(imapx.Config{
			Email:        account.Email,
			IMAPHost:     account.IMAPHost,
			IMAPPort:     account.IMAPPort,
			SMTPHost:     account.SMTPHost,
			SMTPPort:     account.SMTPPort,
			Password:     opts.Password,
			Sanitizer:    opts.Sanitizer,
			Logger:       opts.Logger,
			CloseTimeout: opts.CloseTimeout,
		}), nil

	case transport.AuthOAuthMicrosoft:
		if err := validateOAuth(account, opts); err != nil {
			return nil, err
		}
		return outlook.New(outlook.Config{
			Email:       account.Email,
			WorkspaceID: opts.WorkspaceID,
			Token:       opts.TokenSource,
			Sanitizer:   opts.Sanitizer,
			Logger:      opts.Logger,
		}), nil

	case transport.AuthOAuthGoogle:
		if err := validateOAuth(account, opts); err != nil {
			return nil, err
		}
		return gmail.New(gmail.Config{
			Email:       account.Email,
			WorkspaceID: opts.WorkspaceID,
			Token:       opts.TokenSource,
			Sanitizer:   opts.Sanitizer,
			Logger:      opts.Logger,
		}), nil

	default:
		return nil, fmt.Errorf("transport factory: %s: unknown auth mode %q", account.Email, account.AuthMode)
	}
}

func validateOAuth(account AccountConfig, opts Options) error {
	if opts.WorkspaceID == "" {
		return fmt.Errorf("transport factory: %s: oauth mode requires a workspace id", account.Email)
	}
	if opts.TokenSource == nil {
		return fmt.Errorf("transport factory: %s: oauth mode requires a token source", account.Email)
	}
	return nil
}
