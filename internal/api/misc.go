package api

import (
	"net/http"
	"time"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"contacts":            stats.ContactCount,
		"threads":             stats.ThreadCount,
		"messages":            stats.MessageCount,
		"attachments":         stats.AttachmentCount,
		"rules":               stats.RuleCount,
		"database_size_bytes": stats.DatabaseSize,
	})
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil || len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "message_ids is required")
		return
	}
	if err := s.store.MarkMessagesRead(req.MessageIDs, s.now()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.UnreadCounts()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

type notificationJSON struct {
	MessageID   int64     `json:"message_id"`
	ThreadID    int64     `json:"thread_id"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderEmail string    `json:"sender_email"`
	ReceivedAt  time.Time `json:"received_at"`
}

// handlePendingNotifications lists unread mail from approved senders,
// bounded by limit.
func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r, 20, 100)
	pending, err := s.store.ListPendingNotifications(limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := make([]notificationJSON, 0, len(pending))
	for _, n := range pending {
		out = append(out, notificationJSON{
			MessageID:   n.MessageID,
			ThreadID:    n.ThreadID,
			Subject:     n.Subject,
			SenderName:  n.SenderName.String,
			SenderEmail: n.SenderEmail,
			ReceivedAt:  n.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return
	}
	limit, _ := pagination(r, 20, 100)

	results, err := s.store.Search(query, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	type msgHit struct {
		MessageID int64  `json:"message_id"`
		ThreadID  int64  `json:"thread_id"`
		Subject   string `json:"subject"`
		Snippet   string `json:"snippet"`
		Sender    string `json:"sender"`
	}
	type attHit struct {
		ID       int64  `json:"id"`
		ThreadID int64  `json:"thread_id"`
		Filename string `json:"filename"`
	}

	msgs := make([]msgHit, 0, len(results.Messages))
	for _, m := range results.Messages {
		msgs = append(msgs, msgHit{
			MessageID: m.MessageID,
			ThreadID:  m.ThreadID,
			Subject:   m.Subject,
			Snippet:   m.Snippet,
			Sender:    m.Sender,
		})
	}
	contacts := make([]contactJSON, 0, len(results.Contacts))
	for i := range results.Contacts {
		contacts = append(contacts, toContactJSON(&results.Contacts[i].Contact))
	}
	atts := make([]attHit, 0, len(results.Attachments))
	for _, a := range results.Attachments {
		atts = append(atts, attHit{ID: a.ID, ThreadID: a.ThreadID, Filename: a.Filename})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":       query,
		"messages":    msgs,
		"contacts":    contacts,
		"attachments": atts,
	})
}
