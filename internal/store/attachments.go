package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Attachment is a file stored on disk and referenced by a message.
// FilePath is relative to the data directory.
type Attachment struct {
	ID        int64
	MessageID int64
	Filename  string
	MimeType  sql.NullString
	Size      sql.NullInt64
	FilePath  string
	ContentID sql.NullString
	IsInline  bool
	CreatedAt time.Time
}

const attachmentColumns = `id, message_id, filename, mime_type, size, file_path, content_id, is_inline, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.Size,
		&a.FilePath, &a.ContentID, &a.IsInline, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// InsertAttachment records an attachment already written to disk.
func (s *Store) InsertAttachment(a *Attachment, now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO attachments (message_id, filename, mime_type, size, file_path,
			content_id, is_inline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.MessageID, a.Filename, a.MimeType, a.Size, a.FilePath,
		a.ContentID, a.IsInline, utcSecond(now))
	if err != nil {
		return 0, classify("insert attachment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert attachment", err)
	}
	a.ID = id
	return id, nil
}

// ReplaceDraftAttachments swaps a message's attachment rows for the
// given set. The message must still be a draft.
func (s *Store) ReplaceDraftAttachments(messageID int64, atts []Attachment, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, messageID).Scan(&status); err != nil {
			return classify("replace draft attachments", err)
		}
		if status != StatusDraft {
			return &StorageError{
				Kind: KindConstraint, Op: "replace draft attachments",
				Err: fmt.Errorf("message %d is not a draft", messageID),
			}
		}
		if _, err := tx.Exec(`DELETE FROM attachments WHERE message_id = ?`, messageID); err != nil {
			return classify("replace draft attachments", err)
		}
		for i := range atts {
			a := &atts[i]
			res, err := tx.Exec(`
				INSERT INTO attachments (message_id, filename, mime_type, size, file_path,
					content_id, is_inline, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, messageID, a.Filename, a.MimeType, a.Size, a.FilePath,
				a.ContentID, a.IsInline, utcSecond(now))
			if err != nil {
				return classify("replace draft attachments", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return classify("replace draft attachments", err)
			}
			a.ID = id
			a.MessageID = messageID
		}
		return nil
	})
}

// GetAttachment returns an attachment by id.
func (s *Store) GetAttachment(id int64) (*Attachment, error) {
	a, err := scanAttachment(s.db.QueryRow(
		`SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get attachment", err)
	}
	return a, nil
}

// ListMessageAttachments returns a message's attachments in insertion
// order.
func (s *Store) ListMessageAttachments(messageID int64) ([]Attachment, error) {
	rows, err := s.db.Query(`
		SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id = ? ORDER BY id
	`, messageID)
	if err != nil {
		return nil, classify("list attachments", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, classify("scan attachment", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
