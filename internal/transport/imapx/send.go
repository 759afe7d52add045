package imapx

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/mailsync/internal/transport"
)

// SendMessage transmits a fully formed raw payload over SMTP. The
// adapter performs no composition or formatting of its own.
func (a *Adapter) SendMessage(ctx context.Context, from string, to []string, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("outgoing message has no raw payload")
	}
	if len(to) == 0 {
		return fmt.Errorf("outgoing message has no recipients")
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.SMTPHost, a.cfg.SMTPPort)

	var (
		client *smtp.Client
		err    error
	)
	if a.cfg.SMTPPort == 465 {
		client, err = smtp.DialTLS(addr, nil)
	} else {
		client, err = smtp.DialStartTLS(addr, nil)
	}
	if err != nil {
		return &transport.ConnectError{Provider: providerName, Endpoint: addr, Err: err}
	}
	defer client.Close()

	auth := sasl.NewPlainClient("", a.cfg.Email, a.cfg.Password)
	if err := client.Auth(auth); err != nil {
		return &transport.ConnectError{
			Provider: providerName,
			Endpoint: addr,
			Err:      fmt.Errorf("smtp authentication failed: %w", err),
		}
	}

	if from == "" {
		from = a.cfg.Email
	}
	if err := client.Mail(from, nil); err != nil {
		return &transport.ProtocolError{Provider: providerName, Op: "mail from", Excerpt: err.Error()}
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return &transport.ProtocolError{
				Provider: providerName,
				Op:       fmt.Sprintf("rcpt to %s", rcpt),
				Excerpt:  err.Error(),
			}
		}
	}

	writer, err := client.Data()
	if err != nil {
		return &transport.ProtocolError{Provider: providerName, Op: "data", Excerpt: err.Error()}
	}
	if _, err := writer.Write(raw); err != nil {
		writer.Close()
		return &transport.ProtocolError{Provider: providerName, Op: "data write", Excerpt: err.Error()}
	}
	if err := writer.Close(); err != nil {
		return &transport.ProtocolError{Provider: providerName, Op: "data close", Excerpt: err.Error()}
	}

	return client.Quit()
}
