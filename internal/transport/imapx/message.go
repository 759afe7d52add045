package imapx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/fenilsonani/mailsync/internal/transport"
)

const snippetLength = 200

// parsedBody is the flattened view of a MIME tree.
type parsedBody struct {
	HTML        string
	Text        string
	Attachments []transport.Attachment
}

// normalize converts one fetched message into the provider-neutral
// shape. A message whose raw payload cannot be parsed fails with a
// ParseError carrying the external identifier.
func (a *Adapter) normalize(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection, generation uint32) (transport.Message, error) {
	externalID := fmt.Sprintf("%d", buf.UID)

	raw := buf.FindBodySection(section)
	body, err := parseRawMessage(raw)
	if err != nil {
		return transport.Message{}, &transport.ParseError{ExternalID: externalID, Err: err}
	}

	msg := transport.Message{
		ExternalID:  externalID,
		Generation:  generation,
		Raw:         raw,
		Size:        int64(buf.RFC822Size),
		BodyText:    body.Text,
		Attachments: body.Attachments,
		Snippet:     snippetOf(body.Text, body.HTML),
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}

	sanitized, err := a.sanitizer.Sanitize(body.HTML)
	if err != nil {
		return transport.Message{}, &transport.ParseError{ExternalID: externalID, Err: fmt.Errorf("sanitize body: %w", err)}
	}
	msg.BodyHTML = sanitized
	if sanitized != body.HTML {
		msg.BodyHTMLRaw = body.HTML
	}

	for _, flag := range buf.Flags {
		msg.Flags = transport.AddFlag(msg.Flags, string(flag))
	}

	if env := buf.Envelope; env != nil {
		msg.MessageID = strings.Trim(env.MessageID, "<>")
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.From = convertAddresses(env.From)
		msg.To = convertAddresses(env.To)
		msg.Cc = convertAddresses(env.Cc)
		msg.Bcc = convertAddresses(env.Bcc)
	}

	return msg, nil
}

func convertAddresses(addrs []imap.Address) []transport.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]transport.Address, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, transport.Address{Name: addr.Name, Email: addr.Addr()})
	}
	return out
}

// parseRawMessage walks the MIME tree collecting the first text/html
// and text/plain parts and every attachment's metadata.
func parseRawMessage(raw []byte) (parsedBody, error) {
	var body parsedBody

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return body, fmt.Errorf("open mime reader: %w", err)
	}
	defer reader.Close()

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return body, fmt.Errorf("read mime part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return body, fmt.Errorf("read inline part: %w", err)
			}
			switch {
			case contentType == "text/html" && body.HTML == "":
				body.HTML = string(content)
			case contentType == "text/plain" && body.Text == "":
				body.Text = string(content)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			size := int64(0)
			if content, err := io.ReadAll(part.Body); err == nil {
				size = int64(len(content))
			}
			body.Attachments = append(body.Attachments, transport.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     size,
			})
		}
	}

	return body, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// snippetOf builds a short plain-text preview, preferring the text
// part and falling back to tag-stripped HTML.
func snippetOf(text, html string) string {
	source := text
	if strings.TrimSpace(source) == "" {
		source = tagPattern.ReplaceAllString(html, " ")
	}
	source = strings.Join(strings.Fields(source), " ")
	if utf8.RuneCountInString(source) <= snippetLength {
		return source
	}
	runes := []rune(source)
	return string(runes[:snippetLength])
}

// DownloadAttachment refetches the message and extracts the attachment
// at the given position in the MIME tree's attachment order.
func (a *Adapter) DownloadAttachment(ctx context.Context, mailbox, externalID string, index int) (*transport.AttachmentContent, error) {
	uid, err := parseUID(externalID)
	if err != nil {
		return nil, err
	}

	var content *transport.AttachmentContent
	err = a.withMailbox(ctx, mailbox, func(client *imapclient.Client, _ *imap.SelectData) error {
		section := &imap.FetchItemBodySection{Peek: true}
		buffers, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return &transport.ProtocolError{Provider: providerName, Op: "fetch attachment", Excerpt: err.Error()}
		}
		if len(buffers) == 0 {
			return &transport.ProtocolError{Provider: providerName, Op: "fetch attachment", Excerpt: "message not found"}
		}

		raw := buffers[0].FindBodySection(section)
		content, err = extractAttachment(raw, index)
		if err != nil {
			return &transport.ParseError{ExternalID: externalID, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func extractAttachment(raw []byte, index int) (*transport.AttachmentContent, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open mime reader: %w", err)
	}
	defer reader.Close()

	seen := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mime part: %w", err)
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		if seen != index {
			seen++
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read attachment body: %w", err)
		}
		filename, _ := header.Filename()
		contentType, _, _ := header.ContentType()
		if contentType == "" {
			contentType = mime.TypeByExtension(extensionOf(filename))
		}
		return &transport.AttachmentContent{
			Filename: filename,
			MIMEType: contentType,
			Data:     data,
		}, nil
	}

	return nil, fmt.Errorf("attachment %d: %w", index, transport.ErrAttachmentNotFound)
}

func extensionOf(filename string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return filename[idx:]
	}
	return ""
}
