// Package imap ingests mail from the upstream IMAP account: an IDLE
// session on the primary folder plus a periodic sweep over the
// auxiliary folders, both feeding the importer.
package imap

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Config holds connection settings for the upstream IMAP server.
type Config struct {
	Host     string
	Port     int
	TLS      bool // implicit TLS (IMAPS, port 993)
	STARTTLS bool // STARTTLS upgrade (port 143)
	Username string
	Password string

	// PrimaryFolder is watched with IDLE. Defaults to INBOX.
	PrimaryFolder string
}

// Addr returns the "host:port" dial string.
func (c *Config) Addr() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func (c *Config) primary() string {
	if c.PrimaryFolder != "" {
		return c.PrimaryFolder
	}
	return "INBOX"
}

// dial connects and authenticates. onExists, when non-nil, is invoked
// from unilateral EXISTS updates with the new message count.
func dial(cfg *Config, onExists func(num uint32)) (*imapclient.Client, error) {
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: cfg.Host},
	}
	if onExists != nil {
		opts.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					onExists(*data.NumMessages)
				}
			},
		}
	}

	var (
		conn *imapclient.Client
		err  error
	)
	switch {
	case cfg.TLS:
		conn, err = imapclient.DialTLS(cfg.Addr(), opts)
	case cfg.STARTTLS:
		conn, err = imapclient.DialStartTLS(cfg.Addr(), opts)
	default:
		conn, err = imapclient.DialInsecure(cfg.Addr(), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", cfg.Addr(), err)
	}

	if err := login(conn, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// login authenticates with LOGIN, falling back to AUTHENTICATE PLAIN
// only when the server advertises LOGINDISABLED. A failed AUTHENTICATE
// can corrupt the wire state, so it is not tried speculatively.
func login(conn *imapclient.Client, cfg *Config) error {
	if conn.Caps().Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", cfg.Username, cfg.Password)
		if err := conn.Authenticate(saslClient); err != nil {
			return fmt.Errorf("IMAP AUTHENTICATE PLAIN: %w", err)
		}
		return nil
	}
	if err := conn.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		return fmt.Errorf("IMAP login: %w", err)
	}
	return nil
}

// fetchOptions requests everything the importer needs in one pass.
var fetchOptions = &imap.FetchOptions{
	UID:          true,
	Flags:        true,
	InternalDate: true,
	BodySection:  []*imap.FetchItemBodySection{{}}, // entire message
}

// fetchedMessage is one raw message pulled off the wire.
type fetchedMessage struct {
	UID   imap.UID
	Flags []string
	Raw   []byte
}

// collectFetch drains a fetch command into fetchedMessages, skipping
// entries without a body.
func collectFetch(cmd *imapclient.FetchCommand) ([]fetchedMessage, error) {
	bufs, err := cmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("FETCH: %w", err)
	}
	msgs := make([]fetchedMessage, 0, len(bufs))
	for _, buf := range bufs {
		var raw []byte
		if len(buf.BodySection) > 0 {
			raw = buf.BodySection[0].Bytes
		}
		if len(raw) == 0 {
			continue
		}
		flags := make([]string, 0, len(buf.Flags))
		for _, f := range buf.Flags {
			flags = append(flags, string(f))
		}
		msgs = append(msgs, fetchedMessage{UID: buf.UID, Flags: flags, Raw: raw})
	}
	return msgs, nil
}

// searchSince returns the UID set of messages received at or after
// since in the currently selected mailbox.
func searchSince(conn *imapclient.Client, since time.Time) (imap.UIDSet, error) {
	data, err := conn.UIDSearch(&imap.SearchCriteria{Since: since},
		&imap.SearchOptions{ReturnAll: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH SINCE: %w", err)
	}
	set, ok := data.All.(imap.UIDSet)
	if !ok || len(set) == 0 {
		return nil, nil
	}
	return set, nil
}
