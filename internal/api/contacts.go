package api

import (
	"net/http"

	"github.com/meremail/meremail/internal/store"
)

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 100, 500)
	contacts, err := s.store.ListContacts(limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := make([]contactJSON, 0, len(contacts))
	for i := range contacts {
		out = append(out, toContactJSON(&contacts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": out,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	c, err := s.store.GetContact(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContactJSON(c))
}

type contactPatch struct {
	Name *string `json:"name,omitempty"`
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req contactPatch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed payload")
		return
	}
	if req.Name != nil {
		if err := s.store.UpdateContactName(id, *req.Name); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSetDefaultIdentity picks the outgoing identity; only contacts
// already known to be the user qualify.
func (s *Server) handleSetDefaultIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.store.SetDefaultIdentity(id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type screenRequest struct {
	Bucket string `json:"bucket"`
}

// handleScreenContact files a contact into a screener bucket.
func (s *Server) handleScreenContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req screenRequest
	if err := decodeJSON(r, &req); err != nil || store.ValidBucket(req.Bucket) != nil {
		writeError(w, http.StatusBadRequest, "invalid_bucket", "Unknown screener bucket")
		return
	}
	if err := s.store.SetContactBucket(id, req.Bucket); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
