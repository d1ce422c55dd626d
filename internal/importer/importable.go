// Package importer turns raw inbound messages into archived threads,
// contacts, and attachments. It is the single write path for mail
// arriving over IMAP or from .eml files on disk.
package importer

import (
	"regexp"
	"strings"
	"time"

	"github.com/meremail/meremail/internal/mime"
	"github.com/meremail/meremail/internal/textutil"
)

// Folder-of-origin heuristics. Matching is case-insensitive against
// the upstream folder name.
var (
	sentFolderRe = regexp.MustCompile(`(?i)^(sent|sent items|sent mail|\[gmail\]/sent mail)$`)
	junkFolderRe = regexp.MustCompile(`(?i)^(junk|spam|\[gmail\]/spam)$`)
)

// IsSentFolder reports whether the IMAP folder name denotes sent mail.
func IsSentFolder(name string) bool { return sentFolderRe.MatchString(name) }

// IsJunkFolder reports whether the IMAP folder name denotes junk mail.
func IsJunkFolder(name string) bool { return junkFolderRe.MatchString(name) }

// ImportableMessage is a fully parsed inbound message plus its origin
// metadata, ready for the Importer.
type ImportableMessage struct {
	MessageID  string
	InReplyTo  string
	References []string

	From    mime.Address
	To      []mime.Address
	Cc      []mime.Address
	Bcc     []mime.Address
	ReplyTo []mime.Address

	Subject  string
	TextBody string
	HTMLBody string
	SentAt   time.Time

	IsRead      bool
	IsSent      bool
	IsJunk      bool
	DeliveredTo string

	Headers     map[string]string
	Attachments []mime.Attachment

	Folder string
	UID    uint32
	Flags  []string
	Raw    []byte
}

// BuildImportable parses raw RFC 5322 bytes into an ImportableMessage,
// deriving the read/sent/junk flags from the source folder and IMAP
// flag set.
func BuildImportable(raw []byte, folder string, uid uint32, flags []string) (*ImportableMessage, error) {
	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, err
	}

	im := &ImportableMessage{
		MessageID:   parsed.MessageID,
		InReplyTo:   parsed.InReplyTo,
		References:  parsed.References,
		From:        parsed.GetFirstFrom(),
		To:          parsed.To,
		Cc:          parsed.Cc,
		Bcc:         parsed.Bcc,
		ReplyTo:     parsed.ReplyTo,
		Subject:     textutil.EnsureUTF8(parsed.Subject),
		TextBody:    textutil.EnsureUTF8(parsed.GetBodyText()),
		HTMLBody:    textutil.EnsureUTF8(parsed.BodyHTML),
		SentAt:      parsed.Date,
		DeliveredTo: parsed.DeliveredTo,
		Headers:     parsed.Headers,
		Attachments: parsed.Attachments,
		Folder:      folder,
		UID:         uid,
		Flags:       flags,
		Raw:         raw,
	}

	im.IsSent = IsSentFolder(folder)
	im.IsJunk = IsJunkFolder(folder)
	im.IsRead = im.IsSent || hasFlag(flags, `\Seen`)

	return im, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// hasReplyPrefix reports whether the raw subject starts with a reply or
// forward marker, which licenses plain subject-based threading.
var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd|fw|aw|sv|vs|ref)(\[\d+\])?:`)

func hasReplyPrefix(subject string) bool {
	return replyPrefixRe.MatchString(strings.TrimSpace(subject))
}
