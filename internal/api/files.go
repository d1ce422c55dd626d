package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/meremail/meremail/internal/fileutil"
	"github.com/meremail/meremail/internal/importer"
)

// handleGetAttachment streams stored attachment content with its
// recorded MIME type.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	att, err := s.store.GetAttachment(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	f, err := os.Open(filepath.Join(s.dataDir, att.FilePath))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not_found", "Attachment content missing")
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	defer f.Close()

	mimeType := "application/octet-stream"
	if att.MimeType.Valid {
		mimeType = att.MimeType.String
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", importer.SanitizeFilename(att.Filename)))
	if att.Size.Valid {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", att.Size.Int64))
	}
	_, _ = io.Copy(w, f)
}

// handleUpload accepts one multipart file capped at the configured
// size and stores it under uploads/<uuid><ext>.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Data.MaxAttachmentSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("Upload exceeds the %d byte limit", maxSize))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "A 'file' part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable upload")
		return
	}

	name := uuid.NewString() + filepath.Ext(header.Filename)
	relPath := filepath.Join("uploads", name)
	absPath := filepath.Join(s.dataDir, relPath)
	if err := fileutil.SecureMkdirAll(filepath.Dir(absPath), 0700); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := fileutil.SecureWriteFile(absPath, data, 0600); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"path":     relPath,
		"filename": header.Filename,
		"size":     len(data),
	})
}
