// Package sendqueue drains queued outgoing messages through the SMTP
// relay with durable per-message retry.
package sendqueue

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/smtp"
	"github.com/meremail/meremail/internal/store"
)

const tickInterval = 30 * time.Second

// maxAttempts parks a message: it stays queued but is never retried
// automatically. Requeueing the draft resets the counter.
const maxAttempts = 5

// retryBackoff is indexed by attempts-1, last entry repeating.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
}

// Queue owns the outgoing message lifecycle from queued to sent.
type Queue struct {
	store        *store.Store
	submitter    smtp.Submitter
	log          *slog.Logger
	dataDir      string
	smtpUsername string
	defaultFrom  smtp.Address
	now          func() time.Time
}

// New creates a send queue delivering through submitter. defaultFrom
// is used when the sending identity has no stored display name.
func New(st *store.Store, submitter smtp.Submitter, log *slog.Logger,
	dataDir, smtpUsername string, defaultFrom smtp.Address) *Queue {
	return &Queue{
		store:        st,
		submitter:    submitter,
		log:          log,
		dataDir:      dataDir,
		smtpUsername: smtpUsername,
		defaultFrom:  defaultFrom,
		now:          time.Now,
	}
}

// Run processes the queue every 30 seconds until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if err := q.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			q.log.Error("send queue pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce attempts delivery of every eligible queued message.
// Per-message failures are recorded on the message row and do not
// abort the pass.
func (q *Queue) ProcessOnce(ctx context.Context) error {
	queued, err := q.store.ListQueuedMessages()
	if err != nil {
		return eris.Wrap(err, "list queued")
	}

	now := q.now()
	for i := range queued {
		msg := &queued[i]
		if ctx.Err() != nil {
			return nil
		}
		if !eligible(msg, now) {
			continue
		}
		q.attempt(ctx, msg, now)
	}
	return nil
}

// eligible applies the retry schedule: first attempt immediately, then
// increasing delays from the last attempt; after the fifth failure the
// message is parked.
func eligible(msg *store.Message, now time.Time) bool {
	if msg.SendAttempts >= maxAttempts {
		return false
	}
	if msg.SendAttempts == 0 || msg.LastSendAttemptAt == nil {
		return true
	}
	idx := msg.SendAttempts - 1
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return !now.Before(msg.LastSendAttemptAt.Add(retryBackoff[idx]))
}

func (q *Queue) attempt(ctx context.Context, msg *store.Message, now time.Time) {
	out, err := q.buildOutgoing(msg)
	if err != nil {
		q.recordFailure(msg, err, now)
		return
	}

	if err := q.submitter.Submit(ctx, out); err != nil {
		q.recordFailure(msg, err, now)
		return
	}

	if err := q.store.MarkMessageSent(msg.ID, out.MessageID, now); err != nil {
		q.log.Error("mark sent failed", "message", msg.ID, "error", err)
		return
	}
	if err := q.reconcileReplyLater(msg); err != nil {
		q.log.Warn("reply-later reconciliation failed", "message", msg.ID, "error", err)
	}
	q.log.Info("message sent",
		"message", msg.ID, "message_id", out.MessageID, "attempts", msg.SendAttempts+1)
}

func (q *Queue) recordFailure(msg *store.Message, sendErr error, now time.Time) {
	if err := q.store.RecordSendFailure(msg.ID, sendErr.Error(), now); err != nil {
		q.log.Error("record send failure failed", "message", msg.ID, "error", err)
		return
	}
	attempts := msg.SendAttempts + 1
	q.log.Warn("send attempt failed",
		"message", msg.ID, "attempts", attempts, "error", sendErr)
	if attempts >= maxAttempts {
		q.log.Error("message parked after repeated failures", "message", msg.ID)
	}
}

// reconcileReplyLater clears the thread's reply-later mark once no
// draft or queued message remains on it.
func (q *Queue) reconcileReplyLater(msg *store.Message) error {
	if !msg.ThreadID.Valid {
		return nil
	}
	pending, err := q.store.HasPendingOutbound(msg.ThreadID.Int64)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	return q.store.SetThreadReplyLater(msg.ThreadID.Int64, nil)
}

// buildOutgoing assembles the wire message from the stored draft, its
// recipient junctions, attachments, and the quoted original when the
// draft is a reply.
func (q *Queue) buildOutgoing(msg *store.Message) (*smtp.Outgoing, error) {
	sender, err := q.store.GetContact(msg.SenderID)
	if err != nil {
		return nil, eris.Wrap(err, "load sender")
	}
	from := smtp.Address{Name: q.defaultFrom.Name, Email: sender.Email}
	if sender.Name.Valid && sender.Name.String != "" {
		from.Name = sender.Name.String
	}
	if from.Email == "" {
		from.Email = q.defaultFrom.Email
	}

	contacts, err := q.store.MessageContacts(msg.ID)
	if err != nil {
		return nil, eris.Wrap(err, "load recipients")
	}
	out := &smtp.Outgoing{
		MessageID: smtp.GenerateMessageID(q.smtpUsername),
		From:      from,
		To:        toAddresses(contacts[store.RoleTo]),
		Cc:        toAddresses(contacts[store.RoleCC]),
		Bcc:       toAddresses(contacts[store.RoleBCC]),
		Subject:   msg.Subject,
		TextBody:  msg.ContentText,
	}
	if msg.ContentHTML.Valid {
		out.HTMLBody = msg.ContentHTML.String
	}
	if len(out.To) == 0 {
		return nil, eris.New("message has no recipients")
	}

	if msg.InReplyTo.Valid {
		out.InReplyTo = msg.InReplyTo.String
		out.References = msg.References
		if n := len(out.References); n == 0 || out.References[n-1] != out.InReplyTo {
			out.References = append(out.References, out.InReplyTo)
		}
		if err := q.quoteOriginal(out, msg); err != nil {
			return nil, err
		}
	}

	atts, err := q.store.ListMessageAttachments(msg.ID)
	if err != nil {
		return nil, eris.Wrap(err, "load attachments")
	}
	for _, att := range atts {
		out.Attachments = append(out.Attachments, smtp.Attachment{
			Filename: att.Filename,
			Path:     filepath.Join(q.dataDir, att.FilePath),
		})
	}
	return out, nil
}

// quoteOriginal appends the replied-to message below the draft body.
// A missing original is not an error; the reply simply goes out
// unquoted.
func (q *Queue) quoteOriginal(out *smtp.Outgoing, msg *store.Message) error {
	orig, err := q.store.FindMessageByMessageID(msg.InReplyTo.String)
	if err != nil {
		return eris.Wrap(err, "load original")
	}
	if orig == nil {
		return nil
	}
	origSender, err := q.store.GetContact(orig.SenderID)
	if err != nil {
		return eris.Wrap(err, "load original sender")
	}

	out.TextBody = quoteText(msg.ContentText, orig, origSender)
	out.HTMLBody = quoteHTML(out.HTMLBody, msg.ContentText, orig, origSender)
	return nil
}

func toAddresses(contacts []store.Contact) []smtp.Address {
	out := make([]smtp.Address, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, smtp.Address{Name: c.Name.String, Email: c.Email})
	}
	return out
}
