package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message statuses.
const (
	StatusReceived = "received"
	StatusDraft    = "draft"
	StatusQueued   = "queued"
	StatusSent     = "sent"
)

// Message is a single email, inbound or outbound. MessageID holds the
// RFC 5322 Message-ID and is unique: a second insert with the same id
// fails with a conflict StorageError, which the importer treats as
// "already archived".
type Message struct {
	ID                int64
	ThreadID          sql.NullInt64
	SenderID          int64
	MessageID         sql.NullString
	InReplyTo         sql.NullString
	References        []string
	Subject           string
	ContentText       string
	ContentHTML       sql.NullString
	Headers           map[string]string
	SentAt            *time.Time
	ReceivedAt        time.Time
	ReadAt            *time.Time
	Status            string
	Folder            string
	QueuedAt          *time.Time
	SendAttempts      int
	LastSendAttemptAt *time.Time
	LastSendError     sql.NullString
}

const messageColumns = `id, thread_id, sender_id, message_id, in_reply_to, refs, subject,
	content_text, content_html, headers, sent_at, received_at, read_at, status, folder,
	queued_at, send_attempts, last_send_attempt_at, last_send_error`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var refs, headers string
	var sentAt, readAt, queuedAt, lastAttempt sql.NullTime
	err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.MessageID, &m.InReplyTo,
		&refs, &m.Subject, &m.ContentText, &m.ContentHTML, &headers,
		&sentAt, &m.ReceivedAt, &readAt, &m.Status, &m.Folder,
		&queuedAt, &m.SendAttempts, &lastAttempt, &m.LastSendError)
	if err != nil {
		return nil, err
	}
	m.ReceivedAt = m.ReceivedAt.UTC()
	m.SentAt = timePtr(sentAt)
	m.ReadAt = timePtr(readAt)
	m.QueuedAt = timePtr(queuedAt)
	m.LastSendAttemptAt = timePtr(lastAttempt)
	if err := json.Unmarshal([]byte(refs), &m.References); err != nil {
		m.References = nil
	}
	if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
		m.Headers = nil
	}
	return &m, nil
}

func marshalRefs(refs []string) string {
	if len(refs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalHeaders(h map[string]string) string {
	if len(h) == 0 {
		return "{}"
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// InsertMessage stores a message. A duplicate message_id surfaces as a
// conflict StorageError without modifying the database.
func (s *Store) InsertMessage(m *Message) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO messages (thread_id, sender_id, message_id, in_reply_to, refs,
			subject, content_text, content_html, headers,
			sent_at, received_at, read_at, status, folder, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ThreadID, m.SenderID, m.MessageID, m.InReplyTo, marshalRefs(m.References),
		m.Subject, m.ContentText, m.ContentHTML, marshalHeaders(m.Headers),
		nullTime(m.SentAt), utcSecond(m.ReceivedAt), nullTime(m.ReadAt),
		m.Status, m.Folder, nullTime(m.QueuedAt))
	if err != nil {
		return 0, classify("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert message", err)
	}
	m.ID = id
	return id, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(id int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get message", err)
	}
	return m, nil
}

// FindMessageByMessageID returns the message with the given RFC 5322
// Message-ID, or nil when it is not archived.
func (s *Store) FindMessageByMessageID(messageID string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify("find message by message id", err)
	}
	return m, nil
}

// ListThreadMessages returns the thread's messages in chronological
// order (sent_at falling back to received_at).
func (s *Store) ListThreadMessages(threadID int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ?
		ORDER BY COALESCE(sent_at, received_at) ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, classify("list thread messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("scan message", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// EarliestThreadMessage returns the chronologically first message in
// the thread (sent_at falling back to received_at).
func (s *Store) EarliestThreadMessage(threadID int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ?
		ORDER BY COALESCE(sent_at, received_at) ASC, id ASC
		LIMIT 1
	`, threadID))
	if err != nil {
		return nil, classify("earliest thread message", err)
	}
	return m, nil
}

// SetMessageThread attaches a message to a thread.
func (s *Store) SetMessageThread(messageID, threadID int64) error {
	res, err := s.db.Exec(`UPDATE messages SET thread_id = ? WHERE id = ?`, threadID, messageID)
	if err != nil {
		return classify("set message thread", err)
	}
	return requireRow(res, "set message thread")
}

// MarkMessageRead stamps read_at if not already set.
func (s *Store) MarkMessageRead(id int64, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		utcSecond(now), id)
	return classify("mark message read", err)
}

// MarkMessagesRead stamps read_at on each listed message.
func (s *Store) MarkMessagesRead(ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, utcSecond(now))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		`UPDATE messages SET read_at = ? WHERE id IN (`+placeholders+`) AND read_at IS NULL`,
		args...)
	return classify("mark messages read", err)
}

// Notification is an unread message from an approved sender, shaped
// for the pending-notifications view.
type Notification struct {
	MessageID   int64
	ThreadID    int64
	Subject     string
	SenderName  sql.NullString
	SenderEmail string
	ReceivedAt  time.Time
}

// ListPendingNotifications returns unread received messages whose
// sender sits in the approved bucket, newest first.
func (s *Store) ListPendingNotifications(limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT m.id, COALESCE(m.thread_id, 0), m.subject, c.name, c.email, m.received_at
		FROM messages m
		JOIN contacts c ON c.id = m.sender_id
		WHERE m.read_at IS NULL AND m.status = 'received' AND c.bucket = 'approved'
		ORDER BY m.received_at DESC, m.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify("list pending notifications", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.MessageID, &n.ThreadID, &n.Subject,
			&n.SenderName, &n.SenderEmail, &n.ReceivedAt); err != nil {
			return nil, classify("scan notification", err)
		}
		n.ReceivedAt = n.ReceivedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// Drafts and the send queue

// CreateDraft inserts an outbound draft authored by the given identity.
func (s *Store) CreateDraft(m *Message, now time.Time) (int64, error) {
	m.Status = StatusDraft
	m.Folder = FolderDrafts
	m.ReceivedAt = utcSecond(now)
	return s.InsertMessage(m)
}

// UpdateDraft rewrites the editable fields of a draft. Only messages in
// draft status may be updated.
func (s *Store) UpdateDraft(m *Message) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET subject = ?, content_text = ?, content_html = ?, in_reply_to = ?, refs = ?, thread_id = ?
		WHERE id = ? AND status = 'draft'
	`, m.Subject, m.ContentText, m.ContentHTML, m.InReplyTo, marshalRefs(m.References),
		m.ThreadID, m.ID)
	if err != nil {
		return classify("update draft", err)
	}
	return requireRow(res, "update draft")
}

// DeleteDraft removes a message only while it is still a draft.
func (s *Store) DeleteDraft(id int64) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ? AND status = 'draft'`, id)
	if err != nil {
		return classify("delete draft", err)
	}
	return requireRow(res, "delete draft")
}

// QueueDraft transitions a draft into the send queue, clearing any
// prior attempt state so a re-queued message starts fresh.
func (s *Store) QueueDraft(id int64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET status = 'queued', queued_at = ?,
			send_attempts = 0, last_send_attempt_at = NULL, last_send_error = NULL
		WHERE id = ? AND status = 'draft'
	`, utcSecond(now), id)
	if err != nil {
		return classify("queue draft", err)
	}
	return requireRow(res, "queue draft")
}

// RequeueMessage resets the attempt state of a queued message so the
// next queue pass retries it immediately. This is the revival path for
// a message parked after repeated failures.
func (s *Store) RequeueMessage(id int64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET queued_at = ?, send_attempts = 0, last_send_attempt_at = NULL, last_send_error = NULL
		WHERE id = ? AND status = 'queued'
	`, utcSecond(now), id)
	if err != nil {
		return classify("requeue message", err)
	}
	return requireRow(res, "requeue message")
}

// ListQueuedMessages returns every message in queued status, oldest
// queue entry first. Eligibility (backoff, attempt cap) is decided by
// the caller.
func (s *Store) ListQueuedMessages() ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE status = 'queued'
		ORDER BY queued_at ASC, id ASC
	`)
	if err != nil {
		return nil, classify("list queued", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("scan queued message", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkMessageSent records a successful delivery: status becomes sent,
// the wire Message-ID and send time are stored, and the message moves
// to the sent folder.
func (s *Store) MarkMessageSent(id int64, messageID string, sentAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET status = 'sent', message_id = ?, sent_at = ?, folder = 'sent', last_send_error = NULL
		WHERE id = ? AND status = 'queued'
	`, messageID, utcSecond(sentAt), id)
	if err != nil {
		return classify("mark message sent", err)
	}
	return requireRow(res, "mark message sent")
}

// RecordSendFailure increments the attempt counter and stores the error
// for display. The message stays queued; after the attempt cap the
// queue worker simply stops selecting it.
func (s *Store) RecordSendFailure(id int64, sendErr string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET send_attempts = send_attempts + 1, last_send_attempt_at = ?, last_send_error = ?
		WHERE id = ? AND status = 'queued'
	`, utcSecond(at), sendErr, id)
	if err != nil {
		return classify("record send failure", err)
	}
	return requireRow(res, "record send failure")
}

// Recipients

// Message contact roles.
const (
	RoleFrom = "from"
	RoleTo   = "to"
	RoleCC   = "cc"
	RoleBCC  = "bcc"
)

// AddMessageContact links a contact to a message in the given role.
// Duplicates are ignored.
func (s *Store) AddMessageContact(messageID, contactID int64, role string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_contacts (message_id, contact_id, role)
		VALUES (?, ?, ?)
	`, messageID, contactID, role)
	return classify("add message contact", err)
}

// ReplaceMessageContacts rewrites all recipient rows for a message,
// used when a draft's recipients are edited.
func (s *Store) ReplaceMessageContacts(messageID int64, byRole map[string][]int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM message_contacts WHERE message_id = ?`, messageID); err != nil {
			return classify("clear message contacts", err)
		}
		for role, ids := range byRole {
			for _, cid := range ids {
				_, err := tx.Exec(`
					INSERT OR IGNORE INTO message_contacts (message_id, contact_id, role)
					VALUES (?, ?, ?)
				`, messageID, cid, role)
				if err != nil {
					return classify("add message contact", err)
				}
			}
		}
		return nil
	})
}

// MessageContacts returns a message's contacts grouped by role.
func (s *Store) MessageContacts(messageID int64) (map[string][]Contact, error) {
	rows, err := s.db.Query(`
		SELECT mc.role, c.id, c.email, c.name, c.is_me, c.is_default_identity, c.bucket, c.created_at
		FROM message_contacts mc
		JOIN contacts c ON c.id = mc.contact_id
		WHERE mc.message_id = ?
		ORDER BY mc.role, c.email
	`, messageID)
	if err != nil {
		return nil, classify("message contacts", err)
	}
	defer rows.Close()

	out := make(map[string][]Contact)
	for rows.Next() {
		var role string
		var c Contact
		err := rows.Scan(&role, &c.ID, &c.Email, &c.Name, &c.IsMe,
			&c.IsDefaultIdentity, &c.Bucket, &c.CreatedAt)
		if err != nil {
			return nil, classify("scan message contact", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out[role] = append(out[role], c)
	}
	return out, rows.Err()
}

// ValidBucket guards API-supplied bucket names before they hit a
// CHECK constraint.
func ValidBucket(bucket string) error {
	switch bucket {
	case BucketApproved, BucketFeed, BucketPaperTrail, BucketQuarantine, BucketBlocked, "":
		return nil
	}
	return fmt.Errorf("unknown bucket %q", bucket)
}
