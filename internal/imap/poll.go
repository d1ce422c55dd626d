package imap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/meremail/meremail/internal/importer"
)

const pollInterval = 15 * time.Minute

// Poller sweeps the auxiliary folders (sent and junk variants) on a
// fixed interval, using a fresh connection per sweep and per-folder
// watermarks so each sweep only fetches unseen mail.
type Poller struct {
	cfg      *Config
	importer *importer.Importer
	state    *SyncState
	log      *slog.Logger
	now      func() time.Time
}

// NewPoller creates the auxiliary-folder poller.
func NewPoller(cfg *Config, imp *importer.Importer, state *SyncState, log *slog.Logger) *Poller {
	return &Poller{cfg: cfg, importer: imp, state: state, log: log, now: time.Now}
}

// Run sweeps immediately, then every 15 minutes until ctx is
// cancelled. Sweep failures are logged; the next tick retries.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("imap poll sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep opens a connection, intersects the server's folder list with
// the auxiliary-folder heuristics, and imports everything past each
// folder's watermark. The connection is closed when the sweep ends.
func (p *Poller) Sweep(ctx context.Context) error {
	conn, err := dial(p.cfg, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer conn.Logout()

	folders, err := auxiliaryFolders(conn)
	if err != nil {
		return err
	}

	sweepStart := p.now()
	for _, folder := range folders {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.sweepFolder(conn, folder, sweepStart); err != nil {
			p.log.Warn("folder sweep failed", "folder", folder, "error", err)
			continue
		}
		if err := p.state.Advance(folder, sweepStart); err != nil {
			p.log.Warn("sync state save failed", "folder", folder, "error", err)
		}
	}
	return nil
}

func (p *Poller) sweepFolder(conn *imapclient.Client, folder string, sweepStart time.Time) error {
	if _, err := conn.Select(folder, nil).Wait(); err != nil {
		return err
	}

	since := p.state.Watermark(folder, sweepStart.Add(-initialLookback))
	set, err := searchSince(conn, since)
	if err != nil {
		return err
	}
	if set == nil {
		return nil
	}

	msgs, err := collectFetch(conn.Fetch(set, fetchOptions))
	if err != nil {
		return err
	}

	imported := 0
	for _, m := range msgs {
		importable, err := importer.BuildImportable(m.Raw, folder, uint32(m.UID), m.Flags)
		if err != nil {
			p.log.Warn("message parse failed", "folder", folder, "uid", m.UID, "error", err)
			continue
		}
		res, err := p.importer.Import(importable)
		if err != nil {
			p.log.Warn("message import failed", "folder", folder, "uid", m.UID, "error", err)
			continue
		}
		if res.Imported {
			imported++
		}
	}
	p.log.Info("folder sweep processed",
		"folder", folder, "fetched", len(msgs), "imported", imported, "since", since)
	return nil
}

// auxiliaryFolders lists the server's selectable mailboxes and keeps
// those matching the sent and junk heuristics, skipping the primary
// folder.
func auxiliaryFolders(conn *imapclient.Client) ([]string, error) {
	items, err := conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, item.Mailbox)
	}
	return SelectAuxiliary(names), nil
}

// SelectAuxiliary filters a folder-name list down to sent and junk
// variants.
func SelectAuxiliary(names []string) []string {
	var out []string
	for _, name := range names {
		if strings.EqualFold(name, "INBOX") {
			continue
		}
		if importer.IsSentFolder(name) || importer.IsJunkFolder(name) {
			out = append(out, name)
		}
	}
	return out
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}
