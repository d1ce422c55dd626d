// Package email builds raw RFC 5322 messages for parser and importer
// tests.
package email

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Attachment represents a MIME attachment for the builder.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte // raw bytes; will be base64-encoded
}

// MessageBuilder constructs MIME messages with a fluent API.
// By default, messages use \n line endings matching Go raw string literals.
type MessageBuilder struct {
	from        string
	to          string
	cc          string
	bcc         string
	subject     string
	date        string
	messageID   string
	inReplyTo   string
	references  string
	contentType string
	body        string
	html        string
	headerKeys  []string
	headerVals  []string
	attachments []Attachment
	boundary    string
	crlf        bool
	noSubject   bool
}

// NewMessage creates a MessageBuilder with sensible defaults.
func NewMessage() *MessageBuilder {
	return &MessageBuilder{
		from:      "sender@example.com",
		to:        "recipient@example.com",
		date:      "Mon, 05 Jan 2026 12:00:00 +0000",
		subject:   "Test Message",
		messageID: "<msg-1@example.com>",
		body:      "This is a test message body.",
		boundary:  "boundary123",
	}
}

// From sets the From header.
func (b *MessageBuilder) From(v string) *MessageBuilder { b.from = v; return b }

// To sets the To header.
func (b *MessageBuilder) To(v string) *MessageBuilder { b.to = v; return b }

// Cc sets the Cc header.
func (b *MessageBuilder) Cc(v string) *MessageBuilder { b.cc = v; return b }

// Bcc sets the Bcc header.
func (b *MessageBuilder) Bcc(v string) *MessageBuilder { b.bcc = v; return b }

// Subject sets the Subject header. Use NoSubject() to omit it entirely.
func (b *MessageBuilder) Subject(v string) *MessageBuilder {
	b.subject = v
	b.noSubject = false
	return b
}

// NoSubject omits the Subject header from the output.
func (b *MessageBuilder) NoSubject() *MessageBuilder { b.noSubject = true; return b }

// Date sets the Date header.
func (b *MessageBuilder) Date(v string) *MessageBuilder { b.date = v; return b }

// MessageID sets the Message-ID header. An empty value omits it.
func (b *MessageBuilder) MessageID(v string) *MessageBuilder { b.messageID = v; return b }

// InReplyTo sets the In-Reply-To header.
func (b *MessageBuilder) InReplyTo(v string) *MessageBuilder { b.inReplyTo = v; return b }

// References sets the References header.
func (b *MessageBuilder) References(v string) *MessageBuilder { b.references = v; return b }

// ContentType overrides the Content-Type header (for non-multipart messages).
func (b *MessageBuilder) ContentType(v string) *MessageBuilder { b.contentType = v; return b }

// Body sets the plain-text body.
func (b *MessageBuilder) Body(v string) *MessageBuilder { b.body = v; return b }

// HTML adds an HTML alternative body.
func (b *MessageBuilder) HTML(v string) *MessageBuilder { b.html = v; return b }

// Header adds an arbitrary header.
func (b *MessageBuilder) Header(key, value string) *MessageBuilder {
	b.headerKeys = append(b.headerKeys, key)
	b.headerVals = append(b.headerVals, value)
	return b
}

// Boundary sets the multipart boundary string.
func (b *MessageBuilder) Boundary(v string) *MessageBuilder { b.boundary = v; return b }

// WithAttachment adds an attachment to the message.
func (b *MessageBuilder) WithAttachment(filename, contentType string, data []byte) *MessageBuilder {
	b.attachments = append(b.attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	return b
}

// WithInlineImage adds an inline image part referenced by Content-ID.
func (b *MessageBuilder) WithInlineImage(filename, contentType, contentID string, data []byte) *MessageBuilder {
	b.attachments = append(b.attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		ContentID:   contentID,
		Inline:      true,
		Data:        data,
	})
	return b
}

// CRLF switches to \r\n line endings (RFC 5322 compliant).
func (b *MessageBuilder) CRLF() *MessageBuilder { b.crlf = true; return b }

// String builds the complete MIME message as a string.
func (b *MessageBuilder) String() string { return string(b.Bytes()) }

// Bytes builds the complete MIME message.
func (b *MessageBuilder) Bytes() []byte {
	nl := "\n"
	if b.crlf {
		nl = "\r\n"
	}

	var s strings.Builder

	s.WriteString("From: " + b.from + nl)
	s.WriteString("To: " + b.to + nl)
	if b.cc != "" {
		s.WriteString("Cc: " + b.cc + nl)
	}
	if b.bcc != "" {
		s.WriteString("Bcc: " + b.bcc + nl)
	}
	if !b.noSubject {
		s.WriteString("Subject: " + b.subject + nl)
	}
	if b.date != "" {
		s.WriteString("Date: " + b.date + nl)
	}
	if b.messageID != "" {
		s.WriteString("Message-ID: " + b.messageID + nl)
	}
	if b.inReplyTo != "" {
		s.WriteString("In-Reply-To: " + b.inReplyTo + nl)
	}
	if b.references != "" {
		s.WriteString("References: " + b.references + nl)
	}

	for i, k := range b.headerKeys {
		s.WriteString(k + ": " + b.headerVals[i] + nl)
	}

	switch {
	case len(b.attachments) > 0:
		s.WriteString("MIME-Version: 1.0" + nl)
		s.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", b.boundary) + nl)
		s.WriteString(nl)

		s.WriteString("--" + b.boundary + nl)
		s.WriteString(`Content-Type: text/plain; charset="utf-8"` + nl)
		s.WriteString(nl)
		s.WriteString(b.body + nl)

		if b.html != "" {
			s.WriteString("--" + b.boundary + nl)
			s.WriteString(`Content-Type: text/html; charset="utf-8"` + nl)
			s.WriteString(nl)
			s.WriteString(b.html + nl)
		}

		for _, att := range b.attachments {
			s.WriteString("--" + b.boundary + nl)
			ct := att.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			s.WriteString(fmt.Sprintf("Content-Type: %s; name=%q", ct, att.Filename) + nl)
			disposition := "attachment"
			if att.Inline {
				disposition = "inline"
			}
			s.WriteString(fmt.Sprintf("Content-Disposition: %s; filename=%q", disposition, att.Filename) + nl)
			if att.ContentID != "" {
				s.WriteString("Content-ID: <" + att.ContentID + ">" + nl)
			}
			s.WriteString("Content-Transfer-Encoding: base64" + nl)
			s.WriteString(nl)
			s.WriteString(base64.StdEncoding.EncodeToString(att.Data) + nl)
		}

		s.WriteString("--" + b.boundary + "--" + nl)

	case b.html != "":
		s.WriteString("MIME-Version: 1.0" + nl)
		s.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", b.boundary) + nl)
		s.WriteString(nl)
		s.WriteString("--" + b.boundary + nl)
		s.WriteString(`Content-Type: text/plain; charset="utf-8"` + nl)
		s.WriteString(nl)
		s.WriteString(b.body + nl)
		s.WriteString("--" + b.boundary + nl)
		s.WriteString(`Content-Type: text/html; charset="utf-8"` + nl)
		s.WriteString(nl)
		s.WriteString(b.html + nl)
		s.WriteString("--" + b.boundary + "--" + nl)

	default:
		ct := b.contentType
		if ct == "" {
			ct = `text/plain; charset="utf-8"`
		}
		s.WriteString("Content-Type: " + ct + nl)
		s.WriteString(nl)
		s.WriteString(b.body + nl)
	}

	return []byte(s.String())
}
