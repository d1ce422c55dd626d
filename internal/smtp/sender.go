// Package smtp submits outgoing mail to the upstream SMTP relay.
package smtp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	mail "github.com/wneessen/go-mail"
)

// Config holds connection settings for the upstream SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Secure   bool // implicit TLS; STARTTLS otherwise
}

// Address is a display name plus email address.
type Address struct {
	Name  string
	Email string
}

// Attachment is a file to attach, referenced by path on disk.
type Attachment struct {
	Filename string
	Path     string
}

// Outgoing is a fully assembled message ready for submission.
type Outgoing struct {
	MessageID string // bare form, no angle brackets
	From      Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	Subject   string
	TextBody  string
	HTMLBody  string

	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// Submitter delivers an assembled message. The send queue depends on
// this rather than a concrete client so tests can substitute a fake.
type Submitter interface {
	Submit(ctx context.Context, out *Outgoing) error
}

// Client submits mail through go-mail.
type Client struct {
	cfg *Config
}

// NewClient creates an SMTP client for the configured relay.
func NewClient(cfg *Config) *Client {
	return &Client{cfg: cfg}
}

// Submit assembles and delivers one message. Each call dials a fresh
// session; the relay is an upstream service, not a pooled resource.
func (c *Client) Submit(ctx context.Context, out *Outgoing) error {
	m, err := buildMessage(out)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(c.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(c.cfg.Username),
		mail.WithPassword(c.cfg.Password),
	}
	if c.cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func buildMessage(out *Outgoing) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(out.From.Name, out.From.Email); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	for _, a := range out.To {
		if err := m.AddToFormat(a.Name, a.Email); err != nil {
			return nil, fmt.Errorf("add to %s: %w", a.Email, err)
		}
	}
	for _, a := range out.Cc {
		if err := m.AddCcFormat(a.Name, a.Email); err != nil {
			return nil, fmt.Errorf("add cc %s: %w", a.Email, err)
		}
	}
	for _, a := range out.Bcc {
		if err := m.AddBccFormat(a.Name, a.Email); err != nil {
			return nil, fmt.Errorf("add bcc %s: %w", a.Email, err)
		}
	}
	m.Subject(out.Subject)
	m.SetMessageIDWithValue(out.MessageID)

	if out.InReplyTo != "" {
		m.SetGenHeader(mail.HeaderInReplyTo, "<"+out.InReplyTo+">")
	}
	if len(out.References) > 0 {
		refs := make([]string, len(out.References))
		for i, r := range out.References {
			refs[i] = "<" + r + ">"
		}
		m.SetGenHeader(mail.Header("References"), strings.Join(refs, " "))
	}

	if out.HTMLBody != "" {
		m.SetBodyString(mail.TypeTextPlain, out.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, out.HTMLBody)
	} else {
		m.SetBodyString(mail.TypeTextPlain, out.TextBody)
	}

	for _, att := range out.Attachments {
		m.AttachFile(att.Path, mail.WithFileName(att.Filename))
	}
	return m, nil
}

// GenerateMessageID returns a fresh bare message id "hex32@domain",
// taking the domain from the SMTP username when it is an address.
func GenerateMessageID(smtpUsername string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	domain := "meremail.local"
	if at := strings.LastIndexByte(smtpUsername, '@'); at >= 0 && at < len(smtpUsername)-1 {
		domain = smtpUsername[at+1:]
	}
	return hex.EncodeToString(buf[:]) + "@" + domain
}
