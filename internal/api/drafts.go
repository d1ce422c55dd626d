package api

import (
	"database/sql"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meremail/meremail/internal/store"
)

type draftRequest struct {
	ThreadID    int64           `json:"thread_id,omitempty"`
	InReplyTo   string          `json:"in_reply_to,omitempty"`
	Subject     string          `json:"subject"`
	ContentText string          `json:"content_text"`
	ContentHTML string          `json:"content_html,omitempty"`
	To          []string        `json:"to"`
	Cc          []string        `json:"cc,omitempty"`
	Bcc         []string        `json:"bcc,omitempty"`
	Attachments []attachmentRef `json:"attachments,omitempty"`
}

// attachmentRef points a draft at a previously uploaded file. Path is
// the data-dir-relative path returned by the upload endpoint.
type attachmentRef struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// handleCreateDraft authors a draft under the default sending
// identity.
func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed draft payload")
		return
	}
	if len(req.To) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "At least one recipient is required")
		return
	}
	atts, problem := s.resolveAttachmentRefs(req.Attachments)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", problem)
		return
	}

	identity, err := s.store.DefaultIdentity()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if identity == nil {
		writeError(w, http.StatusConflict, "no_identity", "No sending identity known yet")
		return
	}

	msg := &store.Message{
		SenderID:    identity.ID,
		Subject:     req.Subject,
		ContentText: req.ContentText,
	}
	if req.ThreadID > 0 {
		msg.ThreadID = sql.NullInt64{Int64: req.ThreadID, Valid: true}
	}
	if req.InReplyTo != "" {
		msg.InReplyTo = sql.NullString{String: req.InReplyTo, Valid: true}
	}
	if req.ContentHTML != "" {
		msg.ContentHTML = sql.NullString{String: req.ContentHTML, Valid: true}
	}

	id, err := s.store.CreateDraft(msg, s.now())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.setDraftRecipients(id, identity.ID, &req); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(atts) > 0 {
		if err := s.store.ReplaceDraftAttachments(id, atts, s.now()); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed draft payload")
		return
	}

	msg, err := s.store.GetMessage(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	msg.Subject = req.Subject
	msg.ContentText = req.ContentText
	msg.ContentHTML = sql.NullString{String: req.ContentHTML, Valid: req.ContentHTML != ""}
	msg.InReplyTo = sql.NullString{String: req.InReplyTo, Valid: req.InReplyTo != ""}
	if req.ThreadID > 0 {
		msg.ThreadID = sql.NullInt64{Int64: req.ThreadID, Valid: true}
	}

	if err := s.store.UpdateDraft(msg); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(req.To) > 0 {
		if err := s.setDraftRecipients(id, msg.SenderID, &req); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}
	// A present attachments key replaces the set; an explicit empty
	// list clears it.
	if req.Attachments != nil {
		atts, problem := s.resolveAttachmentRefs(req.Attachments)
		if problem != "" {
			writeError(w, http.StatusBadRequest, "invalid_request", problem)
			return
		}
		if err := s.store.ReplaceDraftAttachments(id, atts, s.now()); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDraft(id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSendDraft hands the draft to the send queue. The transition
// clears any previous attempt state.
func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.store.QueueDraft(id, s.now()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// resolveAttachmentRefs validates upload references and stats the
// files so size and MIME type land on the attachment rows. A non-empty
// second return is a client-facing validation message.
func (s *Server) resolveAttachmentRefs(refs []attachmentRef) ([]store.Attachment, string) {
	atts := make([]store.Attachment, 0, len(refs))
	for _, ref := range refs {
		rel := filepath.ToSlash(filepath.Clean(ref.Path))
		if !strings.HasPrefix(rel, "uploads/") || strings.Contains(rel, "..") {
			return nil, fmt.Sprintf("Attachment path %q is not an upload", ref.Path)
		}
		info, err := os.Stat(filepath.Join(s.dataDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Sprintf("Attachment %q has no uploaded content", ref.Path)
		}
		filename := ref.Filename
		if filename == "" {
			filename = path.Base(rel)
		}
		a := store.Attachment{
			Filename: filename,
			FilePath: rel,
			Size:     sql.NullInt64{Int64: info.Size(), Valid: true},
		}
		if mt := mime.TypeByExtension(filepath.Ext(filename)); mt != "" {
			a.MimeType = sql.NullString{String: mt, Valid: true}
		}
		atts = append(atts, a)
	}
	return atts, ""
}

// setDraftRecipients resolves recipient emails to contacts and
// replaces the junction rows.
func (s *Server) setDraftRecipients(msgID, senderID int64, req *draftRequest) error {
	byRole := map[string][]int64{
		store.RoleFrom: {senderID},
	}
	now := s.now()
	for role, emails := range map[string][]string{
		store.RoleTo:  req.To,
		store.RoleCC:  req.Cc,
		store.RoleBCC: req.Bcc,
	} {
		for _, email := range emails {
			if email == "" {
				continue
			}
			c, err := s.store.EnsureContact(email, "", "", now)
			if err != nil {
				return err
			}
			byRole[role] = append(byRole[role], c.ID)
		}
	}
	return s.store.ReplaceMessageContacts(msgID, byRole)
}
