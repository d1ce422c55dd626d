package imap

import (
	"context"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/meremail/meremail/internal/importer"
)

const (
	// idleRestart keeps the session under the RFC 2177 29-minute
	// server timeout.
	idleRestart = 25 * time.Minute

	initialLookback = 24 * time.Hour
)

// backoff yields reconnect delays: 5s doubling to a 5m cap, reset on a
// successful connect.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, next: initial}
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() { b.next = b.initial }

// Ingester maintains the IDLE session on the primary folder and feeds
// every new message through the importer.
type Ingester struct {
	cfg      *Config
	importer *importer.Importer
	log      *slog.Logger
	now      func() time.Time
}

// NewIngester creates the primary-folder ingester.
func NewIngester(cfg *Config, imp *importer.Importer, log *slog.Logger) *Ingester {
	return &Ingester{cfg: cfg, importer: imp, log: log, now: time.Now}
}

// Run blocks until ctx is cancelled, reconnecting with backoff after
// any transport failure.
func (in *Ingester) Run(ctx context.Context) error {
	bo := newBackoff(5*time.Second, 5*time.Minute)
	for {
		err := in.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := bo.Next()
		in.log.Error("imap session ended, reconnecting",
			"folder", in.cfg.primary(), "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection lifetime: initial fetch, then IDLE with
// periodic restarts, fetching the sequence delta on EXISTS growth.
func (in *Ingester) session(ctx context.Context) error {
	newMail := make(chan uint32, 1)
	conn, err := dial(in.cfg, func(num uint32) {
		select {
		case newMail <- num:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	defer conn.Logout()

	folder := in.cfg.primary()
	selData, err := conn.Select(folder, nil).Wait()
	if err != nil {
		return err
	}
	lastCount := selData.NumMessages

	in.log.Info("imap connected", "folder", folder, "messages", lastCount)

	if err := in.initialFetch(conn, folder); err != nil {
		return err
	}

	idleCmd, err := conn.Idle()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			return nil

		case num := <-newMail:
			if err := idleCmd.Close(); err != nil {
				return err
			}
			if num > lastCount {
				if err := in.fetchDelta(conn, folder, lastCount+1); err != nil {
					return err
				}
			}
			lastCount = num
			if idleCmd, err = conn.Idle(); err != nil {
				return err
			}

		case <-time.After(idleRestart):
			if err := idleCmd.Close(); err != nil {
				return err
			}
			// Benign round-trip so a dead connection fails here rather
			// than silently idling forever.
			if err := conn.Noop().Wait(); err != nil {
				return err
			}
			if idleCmd, err = conn.Idle(); err != nil {
				return err
			}
		}
	}
}

// initialFetch imports the last 24 hours of the primary folder so a
// restart never misses mail that arrived while the daemon was down.
func (in *Ingester) initialFetch(conn *imapclient.Client, folder string) error {
	set, err := searchSince(conn, in.now().Add(-initialLookback))
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
	in.importAll(msgs, folder)
	return nil
}

// fetchDelta imports messages with sequence numbers from firstSeq
// upward, the range EXISTS growth reported as new.
func (in *Ingester) fetchDelta(conn *imapclient.Client, folder string, firstSeq uint32) error {
	var seqSet imap.SeqSet
	seqSet.AddRange(firstSeq, 0)
	msgs, err := collectFetch(conn.Fetch(seqSet, fetchOptions))
	if err != nil {
		return err
	}
	in.importAll(msgs, folder)
	return nil
}

// importAll runs each fetched message through parse + import. Per
// message failures are logged and skipped so one malformed message
// cannot stall ingestion.
func (in *Ingester) importAll(msgs []fetchedMessage, folder string) {
	imported := 0
	for _, m := range msgs {
		importable, err := importer.BuildImportable(m.Raw, folder, uint32(m.UID), m.Flags)
		if err != nil {
			in.log.Warn("message parse failed", "folder", folder, "uid", m.UID, "error", err)
			continue
		}
		res, err := in.importer.Import(importable)
		if err != nil {
			in.log.Warn("message import failed", "folder", folder, "uid", m.UID, "error", err)
			continue
		}
		if res.Imported {
			imported++
		}
	}
	if len(msgs) > 0 {
		in.log.Info("imap fetch processed",
			"folder", folder, "fetched", len(msgs), "imported", imported)
	}
}
