// Package mime provides MIME message parsing using enmime.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// NoSubject is the placeholder stored for messages without a Subject
// header.
const NoSubject = "(no subject)"

// Message represents a parsed email message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	MessageID   string
	InReplyTo   string
	References  []string
	DeliveredTo string
	BodyText    string
	BodyHTML    string
	Headers     map[string]string
	Attachments []Attachment
	Errors      []string // Non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string
	Email string
}

// Attachment represents a file attachment or inline part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int
	Content     []byte
	IsInline    bool
}

// bulkHeaders are per-hop trace and signature headers omitted from the
// stored header map. Everything else is kept so rules can match any
// header a sender sets.
var bulkHeaders = map[string]bool{
	"received":                   true,
	"x-received":                 true,
	"received-spf":               true,
	"dkim-signature":             true,
	"arc-seal":                   true,
	"arc-message-signature":      true,
	"arc-authentication-results": true,
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: NormalizeMessageID(env.GetHeader("Message-ID")),
		InReplyTo: NormalizeMessageID(env.GetHeader("In-Reply-To")),
		BodyText:  env.Text,
		BodyHTML:  env.HTML,
	}
	if strings.TrimSpace(msg.Subject) == "" {
		msg.Subject = NoSubject
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			msg.Date = t
		}
	}

	// enmime's AddressList handles the encoded-word and malformed-list
	// edge cases better than net/mail alone.
	msg.From = parseAddressList(env, "From")
	msg.To = parseAddressList(env, "To")
	msg.Cc = parseAddressList(env, "Cc")
	msg.Bcc = parseAddressList(env, "Bcc")
	msg.ReplyTo = parseAddressList(env, "Reply-To")

	if refs := env.GetHeader("References"); refs != "" {
		msg.References = parseReferences(refs)
	}

	msg.DeliveredTo = deliveredTo(env)

	msg.Headers = make(map[string]string)
	for _, key := range env.GetHeaderKeys() {
		if bulkHeaders[strings.ToLower(key)] {
			continue
		}
		if v := env.GetHeader(key); v != "" {
			msg.Headers[key] = v
		}
	}

	// Text/html parts that are really body content are not attachments;
	// only parts with a filename or an explicit attachment disposition
	// count.
	msg.Attachments = append(msg.Attachments, processParts(env.Attachments, false)...)
	msg.Attachments = append(msg.Attachments, processParts(env.Inlines, true)...)
	msg.Attachments = append(msg.Attachments, processParts(env.OtherParts, false)...)

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// NormalizeMessageID strips the surrounding angle brackets and
// whitespace from an RFC 5322 message identifier so stored ids,
// In-Reply-To values, and References entries compare equal.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// deliveredTo resolves the address this copy of the message was
// delivered to. Forwarding providers rewrite Delivered-To, so their
// original-recipient headers take priority.
func deliveredTo(env *enmime.Envelope) string {
	for _, h := range []string{"X-PM-Original-To", "X-PM-Known-Alias", "Delivered-To"} {
		if v := env.GetHeader(h); v != "" {
			if addrs := parseAddressList(env, h); len(addrs) > 0 {
				return addrs[0].Email
			}
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

// replyPrefixRe matches leading reply/forward markers, including
// localized ones and counters like "Re[2]:".
var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd|fw|aw|sv|vs|ref)(\[\d+\])?:\s*`)

// NormalizeSubject strips reply and forward prefixes repeatedly and
// collapses whitespace, producing the key used for subject-based
// threading.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	return strings.Join(strings.Fields(s), " ")
}

// parseAddressList parses an address header using enmime's AddressList method.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:  strings.TrimSpace(addr.Name),
			Email: strings.ToLower(addr.Address),
		})
	}
	return addresses
}

// isBodyPart returns true if the part should be treated as body content
// rather than an attachment: text/plain and text/html parts without a
// filename and without explicit Content-Disposition: attachment.
func isBodyPart(part *enmime.Part) bool {
	contentType := strings.ToLower(part.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType != "text/plain" && contentType != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	disposition := strings.ToLower(part.Disposition)
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[:idx])
	}
	return disposition != "attachment"
}

// processParts filters body parts and converts the remaining parts to Attachments.
func processParts(parts []*enmime.Part, isInline bool) []Attachment {
	var result []Attachment
	for _, part := range parts {
		if !isBodyPart(part) {
			result = append(result, makeAttachment(part, isInline))
		}
	}
	return result
}

// makeAttachment creates an Attachment from an enmime Part.
func makeAttachment(part *enmime.Part, isInline bool) Attachment {
	inline := isInline
	if strings.EqualFold(part.Disposition, "inline") || part.ContentID != "" {
		inline = true
	}
	return Attachment{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   NormalizeMessageID(part.ContentID),
		Size:        len(part.Content),
		Content:     part.Content,
		IsInline:    inline,
	}
}

// parseReferences parses the References header into individual message IDs.
func parseReferences(refs string) []string {
	var result []string
	for _, ref := range strings.Fields(refs) {
		ref = NormalizeMessageID(ref)
		if ref != "" {
			result = append(result, ref)
		}
	}
	return result
}

// dateFormats lists common email date formats for parseDate.
var dateFormats = []string{
	time.RFC1123Z,                           // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                            // "Mon, 02 Jan 2006 15:04:05 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700",        // Single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",          // Single-digit day with named TZ
	"2 Jan 2006 15:04:05 -0700",             // No weekday
	"2 Jan 2006 15:04:05 MST",               // No weekday, named TZ
	"02 Jan 2006 15:04:05 -0700",            // No weekday, zero-padded
	"02 Jan 2006 15:04:05 MST",              // No weekday, zero-padded, named TZ
	time.RFC822Z,                            // "02 Jan 06 15:04 -0700"
	time.RFC822,                             // "02 Jan 06 15:04 MST"
	time.RFC850,                             // "Monday, 02-Jan-06 15:04:05 MST"
	time.ANSIC,                              // "Mon Jan _2 15:04:05 2006"
	time.UnixDate,                           // "Mon Jan _2 15:04:05 MST 2006"
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)", // With parenthesized TZ
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",  // Single-digit day with paren TZ
	time.RFC3339,                            // "2006-01-02T15:04:05Z07:00" (ISO 8601)
	"2006-01-02T15:04:05Z",                  // ISO 8601 UTC
	"2006-01-02T15:04:05-07:00",             // ISO 8601 with offset
	"2006-01-02 15:04:05 -0700",             // SQL-like format
	"2006-01-02 15:04:05",                   // SQL-like without TZ
}

// parseDate attempts to parse a date string in various formats.
// Returns the time in UTC for consistent storage.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	// Strip trailing timezone name in parentheses like "(UTC)" or "(PST)"
	// but keep the numeric offset for parsing
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t.UTC(), nil
		}
	}

	// Some formats expect the parenthesized part
	if baseStr != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, nil
}

// Block tags that should create line breaks when stripped
var blockTagRe = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)

// Patterns for content-stripping tags (each needs separate pattern due to Go regex limitations)
var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var styleTagRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
var headTagRe = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes HTML tags, decodes entities, and normalizes whitespace.
// Block elements are converted to line breaks for readable plain text output.
//
// Note: Preformatted content (<pre>, <code>) loses its whitespace formatting
// as all runs of spaces are collapsed. This is acceptable for snippets and
// search where preserving exact code formatting is less important than
// readability.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")

	// Both opening and closing block tags emit newlines so consecutive
	// blocks (like </p><p>) get proper spacing. Leading/trailing blank
	// lines are removed by the final TrimSpace.
	text = blockTagRe.ReplaceAllStringFunc(text, func(match string) string {
		return "\n"
	})

	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	// Replace non-breaking spaces with regular spaces
	text = strings.ReplaceAll(text, "\u00A0", " ")

	// Collapse multiple spaces on the same line (but preserve newlines)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// GetBodyText returns the best available body text.
// Prefers plain text, falls back to stripped HTML.
func (m *Message) GetBodyText() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// GetFirstFrom returns the first From address, or empty if none.
func (m *Message) GetFirstFrom() Address {
	if len(m.From) > 0 {
		return m.From[0]
	}
	return Address{}
}
