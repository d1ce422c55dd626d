package store

import (
	"database/sql"
	"fmt"
	"time"
)

// System folder names seeded by the schema.
const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
	FolderTrash  = "trash"
	FolderJunk   = "junk"
)

// Folder is a thread container. The five system folders always exist;
// users may add more.
type Folder struct {
	ID       int64
	Name     string
	IsSystem bool
}

// Thread groups messages in a conversation. CreatorID points at the
// contact whose message started the thread, as far as we have seen it:
// when an older message arrives later the creator is reassigned.
type Thread struct {
	ID           int64
	Subject      string
	CreatorID    int64
	CreatedAt    time.Time
	ReplyLaterAt *time.Time
	SetAsideAt   *time.Time
	FolderID     int64
	TrashedAt    *time.Time
}

// ThreadSummary is a thread row decorated for list views.
type ThreadSummary struct {
	Thread
	FolderName    string
	CreatorEmail  string
	CreatorName   string
	MessageCount  int64
	UnreadCount   int64
	LastMessageAt *time.Time
	Snippet       string
}

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var replyLater, setAside, trashed sql.NullTime
	err := row.Scan(&t.ID, &t.Subject, &t.CreatorID, &t.CreatedAt,
		&replyLater, &setAside, &t.FolderID, &trashed)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ReplyLaterAt = timePtr(replyLater)
	t.SetAsideAt = timePtr(setAside)
	t.TrashedAt = timePtr(trashed)
	return &t, nil
}

const threadColumns = `id, subject, creator_id, created_at, reply_later_at, set_aside_at, folder_id, trashed_at`

// CreateThread inserts a new thread in the given folder.
func (s *Store) CreateThread(subject string, creatorID, folderID int64, now time.Time) (*Thread, error) {
	res, err := s.db.Exec(`
		INSERT INTO threads (subject, creator_id, created_at, folder_id)
		VALUES (?, ?, ?, ?)
	`, subject, creatorID, utcSecond(now), folderID)
	if err != nil {
		return nil, classify("create thread", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, classify("create thread", err)
	}
	return s.GetThread(id)
}

// GetThread returns a thread by id.
func (s *Store) GetThread(id int64) (*Thread, error) {
	t, err := scanThread(s.db.QueryRow(
		`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get thread", err)
	}
	return t, nil
}

// Folders

// GetFolderByName returns a folder by its unique name.
func (s *Store) GetFolderByName(name string) (*Folder, error) {
	var f Folder
	err := s.db.QueryRow(`SELECT id, name, is_system FROM folders WHERE name = ?`, name).
		Scan(&f.ID, &f.Name, &f.IsSystem)
	if err != nil {
		return nil, classify("get folder", err)
	}
	return &f, nil
}

// GetFolder returns a folder by id.
func (s *Store) GetFolder(id int64) (*Folder, error) {
	var f Folder
	err := s.db.QueryRow(`SELECT id, name, is_system FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.IsSystem)
	if err != nil {
		return nil, classify("get folder", err)
	}
	return &f, nil
}

// ListFolders returns all folders, system folders first.
func (s *Store) ListFolders() ([]Folder, error) {
	rows, err := s.db.Query(`SELECT id, name, is_system FROM folders ORDER BY is_system DESC, name`)
	if err != nil {
		return nil, classify("list folders", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.IsSystem); err != nil {
			return nil, classify("scan folder", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// CreateFolder adds a user folder.
func (s *Store) CreateFolder(name string) (*Folder, error) {
	_, err := s.db.Exec(`INSERT INTO folders (name, is_system) VALUES (?, 0)`, name)
	if err != nil {
		return nil, classify("create folder", err)
	}
	return s.GetFolderByName(name)
}

// Threading lookups

// FindThreadByStoredMessageID returns the thread containing a message
// with the given RFC 5322 Message-ID, or nil when no such message is
// archived (or it has no thread).
func (s *Store) FindThreadByStoredMessageID(messageID string) (*Thread, error) {
	var threadID sql.NullInt64
	err := s.db.QueryRow(
		`SELECT thread_id FROM messages WHERE message_id = ?`, messageID).Scan(&threadID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify("find thread by message id", err)
	}
	if !threadID.Valid {
		return nil, nil
	}
	return s.GetThread(threadID.Int64)
}

// SubjectThreadCandidate pairs a thread with whether either side of the
// prior exchange involves the local user, which subject-fallback
// threading requires.
type SubjectThreadCandidate struct {
	ThreadID      int64
	CreatorIsMe   bool
	HasMyMessage  bool
	LastMessageAt time.Time
}

// FindThreadsBySubject returns threads whose subject matches the
// normalized subject exactly, newest activity first, annotated with
// whether the local user participates in them.
func (s *Store) FindThreadsBySubject(subject string) ([]SubjectThreadCandidate, error) {
	rows, err := s.db.Query(`
		SELECT t.id,
			c.is_me,
			EXISTS (
				SELECT 1 FROM messages m
				JOIN contacts mc ON mc.id = m.sender_id
				WHERE m.thread_id = t.id AND mc.is_me = 1
			),
			COALESCE(MAX(COALESCE(m2.sent_at, m2.received_at)), t.created_at)
		FROM threads t
		JOIN contacts c ON c.id = t.creator_id
		LEFT JOIN messages m2 ON m2.thread_id = t.id
		WHERE t.subject = ?
		GROUP BY t.id
		ORDER BY 4 DESC
	`, subject)
	if err != nil {
		return nil, classify("find threads by subject", err)
	}
	defer rows.Close()

	var out []SubjectThreadCandidate
	for rows.Next() {
		var c SubjectThreadCandidate
		if err := rows.Scan(&c.ThreadID, &c.CreatorIsMe, &c.HasMyMessage, &c.LastMessageAt); err != nil {
			return nil, classify("scan subject candidate", err)
		}
		c.LastMessageAt = c.LastMessageAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// EarliestMessageSender returns the sender of the chronologically first
// message in the thread, by sent_at falling back to received_at.
func (s *Store) EarliestMessageSender(threadID int64) (int64, error) {
	var senderID int64
	err := s.db.QueryRow(`
		SELECT sender_id FROM messages
		WHERE thread_id = ?
		ORDER BY COALESCE(sent_at, received_at) ASC, id ASC
		LIMIT 1
	`, threadID).Scan(&senderID)
	if err != nil {
		return 0, classify("earliest message sender", err)
	}
	return senderID, nil
}

// SetThreadCreator reassigns the thread creator, used when an older
// message than the current first one is imported into the thread.
func (s *Store) SetThreadCreator(threadID, contactID int64) error {
	res, err := s.db.Exec(`UPDATE threads SET creator_id = ? WHERE id = ?`, contactID, threadID)
	if err != nil {
		return classify("set thread creator", err)
	}
	return requireRow(res, "set thread creator")
}

// Folder moves and flags

// MoveThreadToFolder moves the thread, stamping trashed_at when the
// destination is trash and clearing it otherwise.
func (s *Store) MoveThreadToFolder(threadID, folderID int64, now time.Time) error {
	folder, err := s.GetFolder(folderID)
	if err != nil {
		return err
	}
	var trashed sql.NullTime
	if folder.Name == FolderTrash {
		trashed = sql.NullTime{Time: utcSecond(now), Valid: true}
	}
	res, err := s.db.Exec(
		`UPDATE threads SET folder_id = ?, trashed_at = ? WHERE id = ?`,
		folderID, trashed, threadID)
	if err != nil {
		return classify("move thread", err)
	}
	return requireRow(res, "move thread")
}

// SetThreadReplyLater sets or clears the reply-later timestamp.
func (s *Store) SetThreadReplyLater(threadID int64, at *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE threads SET reply_later_at = ? WHERE id = ?`, nullTime(at), threadID)
	if err != nil {
		return classify("set reply later", err)
	}
	return requireRow(res, "set reply later")
}

// SetThreadSetAside sets or clears the set-aside timestamp.
func (s *Store) SetThreadSetAside(threadID int64, at *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE threads SET set_aside_at = ? WHERE id = ?`, nullTime(at), threadID)
	if err != nil {
		return classify("set aside", err)
	}
	return requireRow(res, "set aside")
}

// AddThreadContact records a participant on the thread. Duplicate
// participation is ignored.
func (s *Store) AddThreadContact(threadID, contactID int64, role string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO thread_contacts (thread_id, contact_id, role)
		VALUES (?, ?, ?)
	`, threadID, contactID, role)
	return classify("add thread contact", err)
}

// ThreadContacts returns the participants of a thread.
func (s *Store) ThreadContacts(threadID int64) ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT c.id, c.email, c.name, c.is_me, c.is_default_identity, c.bucket, c.created_at
		FROM thread_contacts tc
		JOIN contacts c ON c.id = tc.contact_id
		WHERE tc.thread_id = ?
		ORDER BY c.email
	`, threadID)
	if err != nil {
		return nil, classify("thread contacts", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, classify("scan thread contact", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// List views

// ThreadListOptions filters ListThreads. Bucket filters on the thread
// creator's contact bucket; the literal "unsorted" matches creators
// with no bucket. Folder filters by folder name. SetAside and
// ReplyLater restrict to flagged threads.
type ThreadListOptions struct {
	Bucket     string
	Folder     string
	SetAside   bool
	ReplyLater bool
	Limit      int
	Offset     int
}

// ListThreads returns thread summaries for list views, newest activity
// first. Trashed threads are excluded unless the trash folder is asked
// for explicitly.
func (s *Store) ListThreads(opts ThreadListOptions) ([]ThreadSummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	where := "1=1"
	var args []any

	switch {
	case opts.Folder != "":
		where += " AND f.name = ?"
		args = append(args, opts.Folder)
	default:
		where += " AND f.name != ?"
		args = append(args, FolderTrash)
	}
	if opts.Bucket == "unsorted" {
		where += " AND c.bucket IS NULL AND c.is_me = 0"
	} else if opts.Bucket != "" {
		where += " AND c.bucket = ?"
		args = append(args, opts.Bucket)
	}
	if opts.SetAside {
		where += " AND t.set_aside_at IS NOT NULL"
	}
	if opts.ReplyLater {
		where += " AND t.reply_later_at IS NOT NULL"
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.subject, t.creator_id, t.created_at,
			t.reply_later_at, t.set_aside_at, t.folder_id, t.trashed_at,
			f.name,
			c.email, COALESCE(c.name, ''),
			COUNT(m.id),
			SUM(CASE WHEN m.read_at IS NULL AND m.status = 'received' THEN 1 ELSE 0 END),
			MAX(COALESCE(m.sent_at, m.received_at)),
			COALESCE((
				SELECT substr(m2.content_text, 1, 200) FROM messages m2
				WHERE m2.thread_id = t.id
				ORDER BY COALESCE(m2.sent_at, m2.received_at) DESC, m2.id DESC
				LIMIT 1
			), '')
		FROM threads t
		JOIN folders f ON f.id = t.folder_id
		JOIN contacts c ON c.id = t.creator_id
		LEFT JOIN messages m ON m.thread_id = t.id
		WHERE %s
		GROUP BY t.id
		ORDER BY MAX(COALESCE(m.sent_at, m.received_at)) DESC, t.id DESC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classify("list threads", err)
	}
	defer rows.Close()

	var out []ThreadSummary
	for rows.Next() {
		var ts ThreadSummary
		var replyLater, setAside, trashed, lastAt sql.NullTime
		var unread sql.NullInt64
		err := rows.Scan(&ts.ID, &ts.Subject, &ts.CreatorID, &ts.CreatedAt,
			&replyLater, &setAside, &ts.FolderID, &trashed,
			&ts.FolderName, &ts.CreatorEmail, &ts.CreatorName,
			&ts.MessageCount, &unread, &lastAt, &ts.Snippet)
		if err != nil {
			return nil, classify("scan thread summary", err)
		}
		ts.CreatedAt = ts.CreatedAt.UTC()
		ts.ReplyLaterAt = timePtr(replyLater)
		ts.SetAsideAt = timePtr(setAside)
		ts.TrashedAt = timePtr(trashed)
		ts.LastMessageAt = timePtr(lastAt)
		ts.UnreadCount = unread.Int64
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UnreadCounts returns the number of threads with unread messages per
// creator bucket, keyed by bucket name with "unsorted" for contacts
// not yet screened. Trashed threads are excluded.
func (s *Store) UnreadCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(c.bucket, 'unsorted'), COUNT(DISTINCT t.id)
		FROM threads t
		JOIN folders f ON f.id = t.folder_id
		JOIN contacts c ON c.id = t.creator_id
		JOIN messages m ON m.thread_id = t.id
		WHERE f.name != 'trash'
			AND m.read_at IS NULL AND m.status = 'received'
		GROUP BY COALESCE(c.bucket, 'unsorted')
	`)
	if err != nil {
		return nil, classify("unread counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var n int64
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, classify("scan unread count", err)
		}
		counts[bucket] = n
	}
	return counts, rows.Err()
}

// HasPendingOutbound reports whether the thread has a draft or queued
// message from the local user.
func (s *Store) HasPendingOutbound(threadID int64) (bool, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE thread_id = ? AND status IN ('draft', 'queued')
	`, threadID).Scan(&n)
	if err != nil {
		return false, classify("pending outbound", err)
	}
	return n > 0, nil
}

// MarkThreadRead stamps read_at on every unread received message in the
// thread.
func (s *Store) MarkThreadRead(threadID int64, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE messages SET read_at = ?
		WHERE thread_id = ? AND read_at IS NULL AND status = 'received'
	`, utcSecond(now), threadID)
	return classify("mark thread read", err)
}

// DeleteThread removes a thread and, via cascades, its messages,
// attachments, and junction rows. It returns the filesystem paths of
// the deleted attachments so the caller can unlink the files.
func (s *Store) DeleteThread(threadID int64) ([]string, error) {
	var paths []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT a.file_path FROM attachments a
			JOIN messages m ON m.id = a.message_id
			WHERE m.thread_id = ?
		`, threadID)
		if err != nil {
			return classify("collect attachment paths", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return classify("scan attachment path", err)
			}
			paths = append(paths, p)
		}
		if err := rows.Err(); err != nil {
			return classify("collect attachment paths", err)
		}

		res, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, threadID)
		if err != nil {
			return classify("delete thread", err)
		}
		return requireRow(res, "delete thread")
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// ListExpiredTrashThreads returns ids of threads trashed at or before
// the cutoff.
func (s *Store) ListExpiredTrashThreads(cutoff time.Time) ([]int64, error) {
	return s.listThreadIDs(`
		SELECT t.id FROM threads t
		JOIN folders f ON f.id = t.folder_id
		WHERE f.name = 'trash' AND t.trashed_at IS NOT NULL AND t.trashed_at <= ?
	`, utcSecond(cutoff))
}

// ListExpiredJunkThreads returns ids of junk threads created at or
// before the cutoff.
func (s *Store) ListExpiredJunkThreads(cutoff time.Time) ([]int64, error) {
	return s.listThreadIDs(`
		SELECT t.id FROM threads t
		JOIN folders f ON f.id = t.folder_id
		WHERE f.name = 'junk' AND t.created_at <= ?
	`, utcSecond(cutoff))
}

// ListThreadIDs pages over all thread ids in ascending order, for batch
// jobs that walk the archive.
func (s *Store) ListThreadIDs(afterID int64, limit int) ([]int64, error) {
	return s.listThreadIDs(
		`SELECT id FROM threads WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

// CountThreads returns the total number of threads.
func (s *Store) CountThreads() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, classify("count threads", err)
	}
	return n, nil
}

func (s *Store) listThreadIDs(query string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classify("list thread ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan thread id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
