package store

import (
	"strings"
)

// MessageSearchResult is one full-text hit on the message index.
type MessageSearchResult struct {
	MessageID int64
	ThreadID  int64
	Subject   string
	Snippet   string
	Sender    string
}

// ContactSearchResult is one hit on the contact index.
type ContactSearchResult struct {
	Contact
}

// AttachmentSearchResult is one hit on the attachment filename index.
type AttachmentSearchResult struct {
	Attachment
	ThreadID int64
}

// SearchResults aggregates hits across the three indexes.
type SearchResults struct {
	Messages    []MessageSearchResult
	Contacts    []ContactSearchResult
	Attachments []AttachmentSearchResult
}

// ftsQuery turns free text into an FTS5 MATCH expression: each term is
// quoted and given a prefix wildcard, terms are ANDed.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"*`)
	}
	return strings.Join(quoted, " AND ")
}

// likePattern builds the fallback LIKE pattern, escaping its wildcards.
func likePattern(query string) string {
	query = strings.ReplaceAll(query, `\`, `\\`)
	query = strings.ReplaceAll(query, `%`, `\%`)
	query = strings.ReplaceAll(query, `_`, `\_`)
	return "%" + query + "%"
}

// Search runs the query against messages, contacts, and attachment
// filenames. With FTS5 available it uses the MATCH indexes; otherwise
// it degrades to LIKE scans over the same columns.
func (s *Store) Search(query string, limit int) (*SearchResults, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &SearchResults{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	results := &SearchResults{}

	var err error
	if results.Messages, err = s.searchMessages(query, limit); err != nil {
		return nil, err
	}
	if results.Contacts, err = s.searchContacts(query, limit); err != nil {
		return nil, err
	}
	if results.Attachments, err = s.searchAttachments(query, limit); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) searchMessages(query string, limit int) ([]MessageSearchResult, error) {
	var sqlQuery string
	var args []any
	if s.fts5Available {
		sqlQuery = `
			SELECT m.id, m.thread_id, m.subject,
				snippet(messages_fts, 1, '', '', '…', 16),
				COALESCE(c.name, c.email)
			FROM messages_fts
			JOIN messages m ON m.id = messages_fts.rowid
			JOIN contacts c ON c.id = m.sender_id
			WHERE messages_fts MATCH ? AND m.thread_id IS NOT NULL
			ORDER BY rank
			LIMIT ?`
		args = []any{ftsQuery(query), limit}
	} else {
		sqlQuery = `
			SELECT m.id, m.thread_id, m.subject,
				substr(m.content_text, 1, 200),
				COALESCE(c.name, c.email)
			FROM messages m
			JOIN contacts c ON c.id = m.sender_id
			WHERE m.thread_id IS NOT NULL
				AND (m.subject LIKE ? ESCAPE '\' OR m.content_text LIKE ? ESCAPE '\')
			ORDER BY COALESCE(m.sent_at, m.received_at) DESC
			LIMIT ?`
		p := likePattern(query)
		args = []any{p, p, limit}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, classify("search messages", err)
	}
	defer rows.Close()

	var out []MessageSearchResult
	for rows.Next() {
		var r MessageSearchResult
		if err := rows.Scan(&r.MessageID, &r.ThreadID, &r.Subject, &r.Snippet, &r.Sender); err != nil {
			return nil, classify("scan message hit", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) searchContacts(query string, limit int) ([]ContactSearchResult, error) {
	var sqlQuery string
	var args []any
	if s.fts5Available {
		sqlQuery = `
			SELECT c.id, c.email, c.name, c.is_me, c.is_default_identity, c.bucket, c.created_at
			FROM contacts_fts
			JOIN contacts c ON c.id = contacts_fts.rowid
			WHERE contacts_fts MATCH ?
			ORDER BY rank
			LIMIT ?`
		args = []any{ftsQuery(query), limit}
	} else {
		sqlQuery = `
			SELECT ` + contactColumns + ` FROM contacts
			WHERE email LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\'
			ORDER BY email
			LIMIT ?`
		p := likePattern(query)
		args = []any{p, p, limit}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, classify("search contacts", err)
	}
	defer rows.Close()

	var out []ContactSearchResult
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, classify("scan contact hit", err)
		}
		out = append(out, ContactSearchResult{Contact: *c})
	}
	return out, rows.Err()
}

func (s *Store) searchAttachments(query string, limit int) ([]AttachmentSearchResult, error) {
	var sqlQuery string
	var args []any
	if s.fts5Available {
		sqlQuery = `
			SELECT a.id, a.message_id, a.filename, a.mime_type, a.size, a.file_path,
				a.content_id, a.is_inline, a.created_at, m.thread_id
			FROM attachments_fts
			JOIN attachments a ON a.id = attachments_fts.rowid
			JOIN messages m ON m.id = a.message_id
			WHERE attachments_fts MATCH ? AND m.thread_id IS NOT NULL
			ORDER BY rank
			LIMIT ?`
		args = []any{ftsQuery(query), limit}
	} else {
		sqlQuery = `
			SELECT a.id, a.message_id, a.filename, a.mime_type, a.size, a.file_path,
				a.content_id, a.is_inline, a.created_at, m.thread_id
			FROM attachments a
			JOIN messages m ON m.id = a.message_id
			WHERE a.filename LIKE ? ESCAPE '\' AND m.thread_id IS NOT NULL
			ORDER BY a.id DESC
			LIMIT ?`
		args = []any{likePattern(query), limit}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, classify("search attachments", err)
	}
	defer rows.Close()

	var out []AttachmentSearchResult
	for rows.Next() {
		var r AttachmentSearchResult
		err := rows.Scan(&r.Attachment.ID, &r.Attachment.MessageID, &r.Filename,
			&r.MimeType, &r.Size, &r.FilePath, &r.ContentID, &r.IsInline,
			&r.Attachment.CreatedAt, &r.ThreadID)
		if err != nil {
			return nil, classify("scan attachment hit", err)
		}
		r.Attachment.CreatedAt = r.Attachment.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
