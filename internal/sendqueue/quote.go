package sendqueue

import (
	"fmt"
	"html"
	"strings"

	"github.com/meremail/meremail/internal/mime"
	"github.com/meremail/meremail/internal/store"
)

// attribution formats the "On <date>, <name> <email> wrote:" line
// prefixed to a quoted original. The address is always angle-bracketed.
func attribution(orig *store.Message, sender *store.Contact) string {
	at := orig.ReceivedAt
	if orig.SentAt != nil {
		at = *orig.SentAt
	}
	who := "<" + sender.Email + ">"
	if sender.Name.Valid && sender.Name.String != "" {
		who = sender.Name.String + " " + who
	}
	return fmt.Sprintf("On %s, %s wrote:", at.Format("Mon, 2 Jan 2006 at 15:04"), who)
}

// quoteText appends the original message to a plain-text reply body,
// each quoted line prefixed with "> ".
func quoteText(body string, orig *store.Message, sender *store.Contact) string {
	origText := orig.ContentText
	if origText == "" && orig.ContentHTML.Valid {
		origText = mime.StripHTML(orig.ContentHTML.String)
	}
	if origText == "" {
		return body
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n")
	b.WriteString(attribution(orig, sender))
	b.WriteString("\n")
	for _, line := range strings.Split(strings.TrimRight(origText, "\n"), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// quoteHTML appends the original message to an HTML reply body inside a
// blockquote. When the reply itself has no HTML variant but the
// original does, the plain-text reply is carried in a div so the quoted
// markup survives.
func quoteHTML(htmlBody, textBody string, orig *store.Message, sender *store.Contact) string {
	origHTML := ""
	if orig.ContentHTML.Valid {
		origHTML = orig.ContentHTML.String
	} else if orig.ContentText != "" {
		origHTML = textAsHTML(orig.ContentText)
	}
	if origHTML == "" {
		return htmlBody
	}

	carrier := htmlBody
	if carrier == "" {
		if textBody == "" {
			return ""
		}
		carrier = textAsHTML(textBody)
	}

	return carrier +
		"<br><br><div>" + html.EscapeString(attribution(orig, sender)) + "</div>" +
		"<blockquote type=\"cite\">" + origHTML + "</blockquote>"
}

func textAsHTML(text string) string {
	escaped := html.EscapeString(strings.TrimRight(text, "\n"))
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</div>"
}
