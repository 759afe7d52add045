package gmail

import (
	"encoding/base64"
	"net/mail"
	"strings"

	"github.com/fenilsonani/mailsync/internal/transport"
)

type restPart struct {
	MIMEType string       `json:"mimeType"`
	Filename string       `json:"filename"`
	Headers  []restHeader `json:"headers"`
	Body     restPartBody `json:"body"`
	Parts    []restPart   `json:"parts"`
}

type restHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type restPartBody struct {
	Data         string `json:"data"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachmentId"`
}

type extractedBody struct {
	HTML        string
	Text        string
	Attachments []transport.Attachment
}

type attachmentRef struct {
	AttachmentID string
	Filename     string
	MIMEType     string
}

// walkParts flattens the part tree, keeping the first text/html part,
// the first text/plain part, and every named attachment in tree order.
func walkParts(root restPart) extractedBody {
	var body extractedBody
	walk(&body, root)
	return body
}

func walk(body *extractedBody, part restPart) {
	if part.Filename != "" {
		body.Attachments = append(body.Attachments, transport.Attachment{
			Filename: part.Filename,
			MIMEType: part.MIMEType,
			Size:     part.Body.Size,
		})
	} else {
		switch {
		case part.MIMEType == "text/html" && body.HTML == "":
			body.HTML = decodePartData(part.Body.Data)
		case part.MIMEType == "text/plain" && body.Text == "":
			body.Text = decodePartData(part.Body.Data)
		}
	}
	for _, child := range part.Parts {
		walk(body, child)
	}
}

// attachmentRefs lists named attachments in tree order; the position
// in this list is the index callers use to download one.
func attachmentRefs(root restPart) []attachmentRef {
	var refs []attachmentRef
	collectRefs(&refs, root)
	return refs
}

func collectRefs(refs *[]attachmentRef, part restPart) {
	if part.Filename != "" && part.Body.AttachmentID != "" {
		*refs = append(*refs, attachmentRef{
			AttachmentID: part.Body.AttachmentID,
			Filename:     part.Filename,
			MIMEType:     part.MIMEType,
		})
	}
	for _, child := range part.Parts {
		collectRefs(refs, child)
	}
}

func decodePartData(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Some parts arrive unpadded.
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}

func headerMap(headers []restHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

// parseAddressList parses a raw header value into addresses. The
// service hands back raw strings rather than structured fields, in
// both quoted-display-name and bare-address forms; anything the
// RFC 5322 parser rejects degrades to a bare email so a quirky sender
// never drops the whole envelope.
func parseAddressList(raw string) []transport.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(raw)
	if err == nil {
		out := make([]transport.Address, 0, len(parsed))
		for _, addr := range parsed {
			out = append(out, transport.Address{Name: addr.Name, Email: addr.Address})
		}
		return out
	}

	var out []transport.Address
	for _, piece := range strings.Split(raw, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if addr, err := mail.ParseAddress(piece); err == nil {
			out = append(out, transport.Address{Name: addr.Name, Email: addr.Address})
			continue
		}
		out = append(out, transport.Address{Email: strings.Trim(piece, "<>")})
	}
	return out
}
