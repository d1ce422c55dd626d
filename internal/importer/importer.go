package importer

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/mime"
	"github.com/meremail/meremail/internal/rules"
	"github.com/meremail/meremail/internal/store"
)

// ImpostorEmail is the synthetic sender substituted when junk mail
// claims to come from one of the local user's own addresses.
const ImpostorEmail = "impostor@impostor"

// Result reports what Import did with a message.
type Result struct {
	Imported  bool
	Reason    string // "duplicate" when skipped
	MessageID int64
	ThreadID  int64
}

// Importer archives messages. Safe for use from a single goroutine;
// the IMAP ingester and the eml import command each own one.
type Importer struct {
	store     *store.Store
	applier   *rules.Applier
	log       *slog.Logger
	dataDir   string
	emlBackup bool
	now       func() time.Time
}

// New creates an Importer writing attachments and EML backups under
// dataDir.
func New(st *store.Store, log *slog.Logger, dataDir string, emlBackup bool) *Importer {
	return &Importer{
		store:     st,
		applier:   rules.NewApplier(st, log),
		log:       log,
		dataDir:   dataDir,
		emlBackup: emlBackup,
		now:       time.Now,
	}
}

// Import archives one message with at-most-once effect by Message-ID.
func (im *Importer) Import(msg *ImportableMessage) (*Result, error) {
	now := im.now()

	if msg.MessageID != "" {
		existing, err := im.store.FindMessageByMessageID(msg.MessageID)
		if err != nil {
			return nil, eris.Wrap(err, "dedup lookup")
		}
		if existing != nil {
			return &Result{Imported: false, Reason: "duplicate"}, nil
		}
	}

	sender, err := im.resolveSender(msg, now)
	if err != nil {
		return nil, err
	}

	threadID, thread, err := im.resolveThread(msg, sender, now)
	if err != nil {
		return nil, err
	}

	record := &store.Message{
		ThreadID:    sql.NullInt64{Int64: threadID, Valid: true},
		SenderID:    sender.ID,
		Subject:     msg.Subject,
		ContentText: msg.TextBody,
		Headers:     msg.Headers,
		InReplyTo:   nullString(msg.InReplyTo),
		References:  msg.References,
		ReceivedAt:  now,
		Status:      store.StatusReceived,
		Folder:      messageFolder(msg),
	}
	record.MessageID = nullString(msg.MessageID)
	if msg.HTMLBody != "" {
		record.ContentHTML = sql.NullString{String: msg.HTMLBody, Valid: true}
	}
	if !msg.SentAt.IsZero() {
		sentAt := msg.SentAt
		record.SentAt = &sentAt
	}
	if msg.IsRead {
		readAt := now
		if !msg.SentAt.IsZero() {
			readAt = msg.SentAt
		}
		record.ReadAt = &readAt
	}

	msgID, err := im.store.InsertMessage(record)
	if err != nil {
		if store.IsConflict(err) {
			// Lost a race with a concurrent import of the same message.
			return &Result{Imported: false, Reason: "duplicate"}, nil
		}
		return nil, eris.Wrap(err, "insert message")
	}

	// The new message may predate everything already in the thread; the
	// creator always tracks the earliest known author.
	if err := im.reconcileCreator(threadID, msgID, sender.ID); err != nil {
		return nil, err
	}

	if err := im.recordParticipants(msg, msgID, threadID, sender, now); err != nil {
		return nil, err
	}

	im.storeAttachments(msg, msgID, now)

	if im.emlBackup {
		if err := im.archiveEML(msg); err != nil {
			im.log.Warn("eml archive failed", "message_id", msg.MessageID, "error", err)
		}
	}

	if err := im.applyRules(msg, thread, sender, msgID, threadID, now); err != nil {
		im.log.Warn("rule application failed", "message_id", msg.MessageID, "error", err)
	}

	im.log.Info("message imported",
		"message_id", msg.MessageID, "thread_id", threadID,
		"folder", msg.Folder, "sender", sender.Email)

	return &Result{Imported: true, MessageID: msgID, ThreadID: threadID}, nil
}

// resolveSender grows the identity set, rewrites junk impostors, and
// returns the contact the message is attributed to.
func (im *Importer) resolveSender(msg *ImportableMessage, now time.Time) (*store.Contact, error) {
	fromEmail := msg.From.Email
	if fromEmail == "" {
		fromEmail = "unknown@unknown"
	}

	// Identity reconciliation: is_me only ever grows.
	if msg.IsSent {
		c, err := im.store.EnsureContact(fromEmail, msg.From.Name, "", now)
		if err != nil {
			return nil, eris.Wrap(err, "ensure sent identity")
		}
		if err := im.store.MarkContactMe(c.ID); err != nil {
			return nil, eris.Wrap(err, "mark identity")
		}
	} else if msg.DeliveredTo != "" {
		c, err := im.store.EnsureContact(msg.DeliveredTo, "", "", now)
		if err != nil {
			return nil, eris.Wrap(err, "ensure delivered-to identity")
		}
		if err := im.store.MarkContactMe(c.ID); err != nil {
			return nil, eris.Wrap(err, "mark identity")
		}
	}

	// Spoofed self-mail in junk must not be attributed to the trusted
	// identity it impersonates.
	if msg.IsJunk {
		existing, err := im.store.FindContactByEmail(fromEmail)
		if err != nil {
			return nil, eris.Wrap(err, "impostor lookup")
		}
		if existing != nil && existing.IsMe {
			impostor, err := im.store.EnsureContact(ImpostorEmail, "", store.BucketQuarantine, now)
			if err != nil {
				return nil, eris.Wrap(err, "ensure impostor contact")
			}
			im.log.Warn("junk sender impersonates local identity",
				"claimed", fromEmail, "message_id", msg.MessageID)
			return impostor, nil
		}
	}

	bucket := ""
	if msg.IsJunk && !msg.IsSent {
		bucket = store.BucketQuarantine
	}
	sender, err := im.store.EnsureContact(fromEmail, msg.From.Name, bucket, now)
	if err != nil {
		return nil, eris.Wrap(err, "ensure sender")
	}
	return sender, nil
}

// resolveThread finds or creates the thread for the message, in order:
// reference match, reply-prefix subject match, cross-party subject
// match, new thread.
func (im *Importer) resolveThread(msg *ImportableMessage, sender *store.Contact, now time.Time) (int64, *store.Thread, error) {
	refs := make([]string, 0, len(msg.References)+1)
	if msg.InReplyTo != "" {
		refs = append(refs, msg.InReplyTo)
	}
	refs = append(refs, msg.References...)
	for _, ref := range refs {
		thread, err := im.store.FindThreadByStoredMessageID(ref)
		if err != nil {
			return 0, nil, eris.Wrap(err, "reference lookup")
		}
		if thread != nil {
			return thread.ID, thread, nil
		}
	}

	normalized := mime.NormalizeSubject(msg.Subject)
	candidates, err := im.store.FindThreadsBySubject(normalized)
	if err != nil {
		return 0, nil, eris.Wrap(err, "subject lookup")
	}

	if hasReplyPrefix(msg.Subject) && len(candidates) > 0 {
		return im.loadThread(candidates[0].ThreadID)
	}

	// Cross-party heuristic: a bare-subject match only joins when the
	// two sides differ, so unrelated transactional mail with identical
	// subjects stays separate.
	for _, cand := range candidates {
		if cand.CreatorIsMe != sender.IsMe {
			return im.loadThread(cand.ThreadID)
		}
	}

	folderName := store.FolderInbox
	if msg.IsJunk {
		folderName = store.FolderJunk
	}
	folder, err := im.store.GetFolderByName(folderName)
	if err != nil {
		return 0, nil, eris.Wrap(err, "resolve folder")
	}
	subject := normalized
	if subject == "" {
		subject = mime.NoSubject
	}
	thread, err := im.store.CreateThread(subject, sender.ID, folder.ID, now)
	if err != nil {
		return 0, nil, eris.Wrap(err, "create thread")
	}
	return thread.ID, thread, nil
}

func (im *Importer) loadThread(id int64) (int64, *store.Thread, error) {
	thread, err := im.store.GetThread(id)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "load thread %d", id)
	}
	return thread.ID, thread, nil
}

// reconcileCreator reassigns the thread creator when the just-inserted
// message turns out to be the earliest one in the thread.
func (im *Importer) reconcileCreator(threadID, msgID, senderID int64) error {
	earliest, err := im.store.EarliestThreadMessage(threadID)
	if err != nil {
		return eris.Wrap(err, "earliest message")
	}
	if earliest.ID != msgID {
		return nil
	}
	if err := im.store.SetThreadCreator(threadID, senderID); err != nil {
		return eris.Wrap(err, "reassign creator")
	}
	return nil
}

// recordParticipants stores junction rows and applies the implicit
// trust rule: addressing someone from a sent message approves them.
func (im *Importer) recordParticipants(msg *ImportableMessage, msgID, threadID int64, sender *store.Contact, now time.Time) error {
	if err := im.store.AddMessageContact(msgID, sender.ID, store.RoleFrom); err != nil {
		return eris.Wrap(err, "record sender")
	}
	if err := im.store.AddThreadContact(threadID, sender.ID, "sender"); err != nil {
		return eris.Wrap(err, "record thread sender")
	}

	for role, addrs := range map[string][]mime.Address{
		store.RoleTo:  msg.To,
		store.RoleCC:  msg.Cc,
		store.RoleBCC: msg.Bcc,
	} {
		for _, addr := range addrs {
			if addr.Email == "" {
				continue
			}
			contact, err := im.store.EnsureContact(addr.Email, addr.Name, "", now)
			if err != nil {
				return eris.Wrapf(err, "ensure recipient %s", addr.Email)
			}
			if msg.IsSent && !contact.IsMe && !contact.Bucket.Valid {
				if err := im.store.SetContactBucket(contact.ID, store.BucketApproved); err != nil {
					return eris.Wrapf(err, "approve recipient %s", addr.Email)
				}
			}
			if err := im.store.AddMessageContact(msgID, contact.ID, role); err != nil {
				return eris.Wrap(err, "record recipient")
			}
			if err := im.store.AddThreadContact(threadID, contact.ID, "recipient"); err != nil {
				return eris.Wrap(err, "record thread recipient")
			}
		}
	}
	return nil
}

func (im *Importer) applyRules(msg *ImportableMessage, thread *store.Thread, sender *store.Contact, msgID, threadID int64, now time.Time) error {
	evalCtx := &rules.Context{
		ThreadSubject: thread.Subject,
		EmailSubject:  msg.Subject,
		SenderName:    sender.Name.String,
		SenderEmail:   sender.Email,
		Content:       msg.TextBody,
		Headers:       msg.Headers,
		FolderID:      thread.FolderID,
	}
	for _, a := range msg.To {
		evalCtx.ToNames = append(evalCtx.ToNames, a.Name)
		evalCtx.ToEmails = append(evalCtx.ToEmails, a.Email)
	}
	for _, a := range msg.Cc {
		evalCtx.CcNames = append(evalCtx.CcNames, a.Name)
		evalCtx.CcEmails = append(evalCtx.CcEmails, a.Email)
	}
	for _, a := range msg.Attachments {
		evalCtx.AttachmentFilenames = append(evalCtx.AttachmentFilenames, a.Filename)
	}

	_, err := im.applier.ApplyFirstMatch(evalCtx, threadID, msgID, now)
	return err
}

func messageFolder(msg *ImportableMessage) string {
	switch {
	case msg.IsSent:
		return store.FolderSent
	case msg.IsJunk:
		return store.FolderJunk
	default:
		return store.FolderInbox
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
