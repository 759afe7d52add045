package factory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailsync/internal/transport"
)

func passwordAccount() AccountConfig {
	return AccountConfig{
		Email:    "user@example.com",
		AuthMode: transport.AuthPassword,
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		SMTPHost: "smtp.example.com",
		SMTPPort: 465,
	}
}

func testTokenSource(ctx context.Context) (string, error) { return "token", nil }

func TestNewPasswordMode(t *testing.T) {
	adapter, err := New(passwordAccount(), Options{Password: "secret", CloseTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := adapter.Capabilities()
	if !caps.Has(transport.CapMove) || !caps.Has(transport.CapSend) {
		t.Errorf("wire-protocol adapter capabilities = %b", caps)
	}
}

func TestNewPasswordModeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AccountConfig, *Options)
		want   string
	}{
		{"missing password", func(a *AccountConfig, o *Options) { o.Password = "" }, "password"},
		{"missing imap host", func(a *AccountConfig, o *Options) { a.IMAPHost = "" }, "imap"},
		{"missing smtp port", func(a *AccountConfig, o *Options) { a.SMTPPort = 0 }, "smtp"},
		{"missing email", func(a *AccountConfig, o *Options) { a.Email = "" }, "email"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			account := passwordAccount()
			opts := Options{Password: "secret"}
			tc.mutate(&account, &opts)
			if _, err := New(account, opts); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestNewOAuthModes(t *testing.T) {
	for _, mode := range []transport.AuthMode{transport.AuthOAuthGoogle, transport.AuthOAuthMicrosoft} {
		account := AccountConfig{Email: "user@example.com", AuthMode: mode}
		adapter, err := New(account, Options{
			WorkspaceID: "ws-1",
			TokenSource: testTokenSource,
		})
		if err != nil {
			t.Fatalf("New(%s): %v", mode, err)
		}
		if adapter == nil {
			t.Fatalf("New(%s) returned nil adapter", mode)
		}
	}
}

func TestNewOAuthValidation(t *testing.T) {
	account := AccountConfig{Email: "user@example.com", AuthMode: transport.AuthOAuthGoogle}

	if _, err := New(account, Options{TokenSource: testTokenSource}); err == nil {
		t.Error("expected error for missing workspace id")
	}
	if _, err := New(account, Options{WorkspaceID: "ws-1"}); err == nil {
		t.Error("expected error for missing token source")
	}
}

func TestNewUnknownMode(t *testing.T) {
	account := AccountConfig{Email: "user@example.com", AuthMode: "kerberos"}
	if _, err := New(account, Options{}); err == nil {
		t.Error("expected error for unknown auth mode")
	}
}

func TestOAuthAdaptersDifferByMode(t *testing.T) {
	google, _ := New(AccountConfig{Email: "a@b.c", AuthMode: transport.AuthOAuthGoogle},
		Options{WorkspaceID: "ws", TokenSource: testTokenSource})
	microsoft, _ := New(AccountConfig{Email: "a@b.c", AuthMode: transport.AuthOAuthMicrosoft},
		Options{WorkspaceID: "ws", TokenSource: testTokenSource})

	// The label-based adapter cannot move; the folder-based one can.
	if google.Capabilities().Has(transport.CapMove) {
		t.Error("label-based adapter advertises CapMove")
	}
	if !microsoft.Capabilities().Has(transport.CapMove) {
		t.Error("folder-based adapter missing CapMove")
	}
}
