// Package credential resolves account secrets. Passwords come from a
// configuration reference or the system keyring; bearer tokens come
// from an injected refresher, since token acquisition is owned by the
// surrounding application.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/fenilsonani/mailsync/internal/transport"
)

const serviceName = "mailsync"

// Error marks a missing or invalid secret. Callers distinguish it from
// transport failures when deciding whether retrying can ever help.
type Error struct {
	Account string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential for %s: %s: %v", e.Account, e.Reason, e.Err)
	}
	return fmt.Sprintf("credential for %s: %s", e.Account, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCredentialError reports whether err chains to a credential Error.
func IsCredentialError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Resolver turns password references into secrets.
type Resolver struct {
	fileDir string

	// openRing is swapped in tests; the real one talks to the system
	// keyring.
	openRing func() (keyring.Keyring, error)
}

// NewResolver returns a resolver backed by the system keyring. fileDir
// is where the file fallback backend keeps its store.
func NewResolver(fileDir string) *Resolver {
	r := &Resolver{fileDir: fileDir}
	r.openRing = func() (keyring.Keyring, error) {
		ring, err := keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
			FileDir:                  r.fileDir,
			FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
			KeychainTrustApplication: true,
		})
		if err != nil {
			return nil, fmt.Errorf("opening keyring: %w", err)
		}
		return ring, nil
	}
	return r
}

// ResolvePassword resolves a password reference for an account.
// References of the form "keyring:<key>" are looked up in the system
// keyring; anything else is treated as the literal secret. An empty
// reference is a credential error, not an empty password.
func (r *Resolver) ResolvePassword(account, reference string) (string, error) {
	if reference == "" {
		return "", &Error{Account: account, Reason: "no password reference configured"}
	}

	key, ok := strings.CutPrefix(reference, "keyring:")
	if !ok {
		return reference, nil
	}

	ring, err := r.openRing()
	if err != nil {
		return "", &Error{Account: account, Reason: "keyring unavailable", Err: err}
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", &Error{Account: account, Reason: fmt.Sprintf("keyring entry %q", key), Err: err}
	}
	if len(item.Data) == 0 {
		return "", &Error{Account: account, Reason: fmt.Sprintf("keyring entry %q is empty", key)}
	}
	return string(item.Data), nil
}

// StorePassword writes a secret under a keyring key and returns the
// reference to configure for the account.
func (r *Resolver) StorePassword(account, key, secret string) (string, error) {
	ring, err := r.openRing()
	if err != nil {
		return "", &Error{Account: account, Reason: "keyring unavailable", Err: err}
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(secret)}); err != nil {
		return "", &Error{Account: account, Reason: fmt.Sprintf("storing keyring entry %q", key), Err: err}
	}
	return "keyring:" + key, nil
}

// DeletePassword removes a keyring entry.
func (r *Resolver) DeletePassword(account, key string) error {
	ring, err := r.openRing()
	if err != nil {
		return &Error{Account: account, Reason: "keyring unavailable", Err: err}
	}
	if err := ring.Remove(key); err != nil {
		return &Error{Account: account, Reason: fmt.Sprintf("deleting keyring entry %q", key), Err: err}
	}
	return nil
}

// TokenRefresher returns a currently-valid bearer token for an
// account in a workspace. Token acquisition and refresh live outside
// this module.
type TokenRefresher interface {
	Token(ctx context.Context, workspaceID, account, provider string) (string, error)
}

// TokenSourceFor adapts a refresher into the per-call token source the
// REST transports expect. Each call goes back to the refresher; no
// caching happens here.
func TokenSourceFor(refresher TokenRefresher, workspaceID, account, provider string) transport.TokenSource {
	return func(ctx context.Context) (string, error) {
		token, err := refresher.Token(ctx, workspaceID, account, provider)
		if err != nil {
			return "", &Error{Account: account, Reason: "token refresh failed", Err: err}
		}
		if token == "" {
			return "", &Error{Account: account, Reason: "token refresh returned an empty token"}
		}
		return token, nil
	}
}
