package api

import (
	"net/http"
	"time"

	"github.com/meremail/meremail/internal/store"
)

type contactJSON struct {
	ID                int64  `json:"id"`
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	IsMe              bool   `json:"is_me"`
	IsDefaultIdentity bool   `json:"is_default_identity"`
	Bucket            string `json:"bucket,omitempty"`
}

func toContactJSON(c *store.Contact) contactJSON {
	return contactJSON{
		ID:                c.ID,
		Email:             c.Email,
		Name:              c.Name.String,
		IsMe:              c.IsMe,
		IsDefaultIdentity: c.IsDefaultIdentity,
		Bucket:            c.Bucket.String,
	}
}

type threadSummaryJSON struct {
	ID            int64         `json:"id"`
	Subject       string        `json:"subject"`
	Folder        string        `json:"folder"`
	CreatorEmail  string        `json:"creator_email"`
	CreatorName   string        `json:"creator_name,omitempty"`
	Snippet       string        `json:"snippet,omitempty"`
	MessageCount  int64         `json:"message_count"`
	UnreadCount   int64         `json:"unread_count"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	ReplyLaterAt  *time.Time    `json:"reply_later_at,omitempty"`
	SetAsideAt    *time.Time    `json:"set_aside_at,omitempty"`
	Participants  []contactJSON `json:"participants,omitempty"`
}

func toThreadSummaryJSON(t *store.ThreadSummary) threadSummaryJSON {
	return threadSummaryJSON{
		ID:            t.ID,
		Subject:       t.Subject,
		Folder:        t.FolderName,
		CreatorEmail:  t.CreatorEmail,
		CreatorName:   t.CreatorName,
		Snippet:       t.Snippet,
		MessageCount:  t.MessageCount,
		UnreadCount:   t.UnreadCount,
		LastMessageAt: t.LastMessageAt,
		ReplyLaterAt:  t.ReplyLaterAt,
		SetAsideAt:    t.SetAsideAt,
	}
}

type attachmentJSON struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	IsInline bool   `json:"is_inline"`
}

type messageJSON struct {
	ID          int64                    `json:"id"`
	Subject     string                   `json:"subject"`
	ContentText string                   `json:"content_text"`
	ContentHTML string                   `json:"content_html,omitempty"`
	Status      string                   `json:"status"`
	Folder      string                   `json:"folder"`
	SentAt      *time.Time               `json:"sent_at,omitempty"`
	ReceivedAt  time.Time                `json:"received_at"`
	ReadAt      *time.Time               `json:"read_at,omitempty"`
	Sender      contactJSON              `json:"sender"`
	Recipients  map[string][]contactJSON `json:"recipients,omitempty"`
	Attachments []attachmentJSON         `json:"attachments,omitempty"`
}

// listThreadsBy serves the thread list views; each named view differs
// only in its filter options.
func (s *Server) listThreadsBy(w http.ResponseWriter, r *http.Request, opts store.ThreadListOptions) {
	opts.Limit, opts.Offset = pagination(r, 50, 200)
	threads, err := s.store.ListThreads(opts)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	out := make([]threadSummaryJSON, 0, len(threads))
	for i := range threads {
		tj := toThreadSummaryJSON(&threads[i])
		participants, err := s.store.ThreadContacts(threads[i].ID)
		if err == nil {
			for j := range participants {
				tj.Participants = append(tj.Participants, toContactJSON(&participants[j]))
			}
		}
		out = append(out, tj)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"threads": out,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	s.listThreadsBy(w, r, store.ThreadListOptions{
		Bucket: r.URL.Query().Get("bucket"),
		Folder: r.URL.Query().Get("folder"),
	})
}

// handleFeed lists feed-bucket threads.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.listThreadsBy(w, r, store.ThreadListOptions{Bucket: store.BucketFeed})
}

// handleSetAsideView lists threads the user set aside.
func (s *Server) handleSetAsideView(w http.ResponseWriter, r *http.Request) {
	s.listThreadsBy(w, r, store.ThreadListOptions{SetAside: true})
}

// handleGetThread returns the full thread. Opening a thread marks its
// messages read.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}

	thread, err := s.store.GetThread(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	msgs, err := s.store.ListThreadMessages(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		mj, err := s.messageJSON(&msgs[i])
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		out = append(out, *mj)
	}

	if err := s.store.MarkThreadRead(id, s.now()); err != nil {
		s.log.Warn("mark thread read failed", "thread", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             thread.ID,
		"subject":        thread.Subject,
		"folder_id":      thread.FolderID,
		"created_at":     thread.CreatedAt,
		"reply_later_at": thread.ReplyLaterAt,
		"set_aside_at":   thread.SetAsideAt,
		"trashed_at":     thread.TrashedAt,
		"messages":       out,
	})
}

func (s *Server) messageJSON(m *store.Message) (*messageJSON, error) {
	sender, err := s.store.GetContact(m.SenderID)
	if err != nil {
		return nil, err
	}
	mj := &messageJSON{
		ID:          m.ID,
		Subject:     m.Subject,
		ContentText: m.ContentText,
		ContentHTML: m.ContentHTML.String,
		Status:      m.Status,
		Folder:      m.Folder,
		SentAt:      m.SentAt,
		ReceivedAt:  m.ReceivedAt,
		ReadAt:      m.ReadAt,
		Sender:      toContactJSON(sender),
	}

	recipients, err := s.store.MessageContacts(m.ID)
	if err != nil {
		return nil, err
	}
	for role, contacts := range recipients {
		if role == store.RoleFrom {
			continue
		}
		for i := range contacts {
			if mj.Recipients == nil {
				mj.Recipients = make(map[string][]contactJSON)
			}
			mj.Recipients[role] = append(mj.Recipients[role], toContactJSON(&contacts[i]))
		}
	}

	atts, err := s.store.ListMessageAttachments(m.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		mj.Attachments = append(mj.Attachments, attachmentJSON{
			ID:       a.ID,
			Filename: a.Filename,
			MimeType: a.MimeType.String,
			Size:     a.Size.Int64,
			IsInline: a.IsInline,
		})
	}
	return mj, nil
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleThreadReplyLater(w http.ResponseWriter, r *http.Request) {
	s.toggleThreadFlag(w, r, s.store.SetThreadReplyLater)
}

func (s *Server) handleThreadSetAside(w http.ResponseWriter, r *http.Request) {
	s.toggleThreadFlag(w, r, s.store.SetThreadSetAside)
}

func (s *Server) toggleThreadFlag(w http.ResponseWriter, r *http.Request,
	set func(int64, *time.Time) error) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed payload")
		return
	}
	var at *time.Time
	if req.Enabled {
		now := s.now()
		at = &now
	}
	if err := set(id, at); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type moveRequest struct {
	FolderID int64 `json:"folder_id"`
}

// handleThreadMove moves a thread between folders; moving into trash
// stamps the retention clock.
func (s *Server) handleThreadMove(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil || req.FolderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "folder_id is required")
		return
	}
	if err := s.store.MoveThreadToFolder(id, req.FolderID, s.now()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
