package importer

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meremail/meremail/internal/fileutil"
	"github.com/meremail/meremail/internal/store"
)

// storeAttachments writes attachment files and records them. A single
// failed attachment is logged and skipped; the message import is not
// aborted.
func (im *Importer) storeAttachments(msg *ImportableMessage, msgID int64, now time.Time) {
	if len(msg.Attachments) == 0 {
		return
	}
	dir := filepath.Join(im.dataDir, "attachments")
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		im.log.Warn("create attachment directory failed", "error", err)
		return
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		name := SanitizeFilename(filepath.Base(att.Filename))
		if name == "" || name == "." {
			name = fmt.Sprintf("part-%d", i+1)
		}
		relPath := filepath.Join("attachments", fmt.Sprintf("%d_%s", msgID, name))
		absPath := filepath.Join(im.dataDir, relPath)

		if err := fileutil.SecureWriteFile(absPath, att.Content, 0600); err != nil {
			im.log.Warn("attachment write failed",
				"filename", att.Filename, "message", msgID, "error", err)
			continue
		}

		rec := &store.Attachment{
			MessageID: msgID,
			Filename:  att.Filename,
			FilePath:  relPath,
			IsInline:  att.IsInline,
		}
		if att.ContentType != "" {
			rec.MimeType = sql.NullString{String: att.ContentType, Valid: true}
		}
		rec.Size = sql.NullInt64{Int64: int64(att.Size), Valid: true}
		if att.ContentID != "" {
			rec.ContentID = sql.NullString{String: att.ContentID, Valid: true}
		}
		if _, err := im.store.InsertAttachment(rec, now); err != nil {
			im.log.Warn("attachment record failed",
				"filename", att.Filename, "message", msgID, "error", err)
		}
	}
}

// archiveEML writes the raw message to
// eml-backup/<folder>/<sanitized-message-id>.eml, prepending synthetic
// headers with the IMAP origin. Idempotent: an existing file is left
// untouched.
func (im *Importer) archiveEML(msg *ImportableMessage) error {
	name := SanitizeFilename(msg.MessageID)
	if name == "" {
		name = fmt.Sprintf("no-id-%d", im.now().UnixNano())
	}
	dir := filepath.Join(im.dataDir, "eml-backup", SanitizeFilename(msg.Folder))
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".eml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "X-Meremail-Folder: %s\r\n", msg.Folder)
	fmt.Fprintf(&b, "X-Meremail-Uid: %d\r\n", msg.UID)
	fmt.Fprintf(&b, "X-Meremail-Flags: %s\r\n", strings.Join(msg.Flags, " "))
	b.Write(msg.Raw)

	return fileutil.SecureWriteFile(path, []byte(b.String()), 0600)
}

// SanitizeFilename replaces characters that are invalid in filenames.
func SanitizeFilename(s string) string {
	var result []rune
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r', '\t':
			result = append(result, '_')
		default:
			result = append(result, r)
		}
	}
	return strings.TrimSpace(string(result))
}
