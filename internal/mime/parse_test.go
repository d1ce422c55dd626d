package mime

import (
	"strings"
	"testing"
	"time"

	"github.com/meremail/meremail/internal/testutil"
	"github.com/meremail/meremail/internal/testutil/email"
)

func TestParseBasicMessage(t *testing.T) {
	raw := email.NewMessage().
		From("Alice Liddell <alice@example.com>").
		To("me@example.com").
		Subject("Hello there").
		MessageID("<abc-123@example.com>").
		Body("Hi!").
		Bytes()

	msg, err := Parse(raw)
	testutil.MustNoErr(t, err, "parse")

	if msg.Subject != "Hello there" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.MessageID != "abc-123@example.com" {
		t.Errorf("message id not normalized: %q", msg.MessageID)
	}
	from := msg.GetFirstFrom()
	if from.Email != "alice@example.com" || from.Name != "Alice Liddell" {
		t.Errorf("from = %+v", from)
	}
	if !strings.Contains(msg.BodyText, "Hi!") {
		t.Errorf("body = %q", msg.BodyText)
	}
	wantDate := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	if !msg.Date.Equal(wantDate) {
		t.Errorf("date = %v, want %v", msg.Date, wantDate)
	}
}

func TestParseMissingSubject(t *testing.T) {
	msg, err := Parse(email.NewMessage().NoSubject().Bytes())
	testutil.MustNoErr(t, err, "parse")
	if msg.Subject != NoSubject {
		t.Errorf("subject = %q, want %q", msg.Subject, NoSubject)
	}
}

func TestParseReferencesAndInReplyTo(t *testing.T) {
	raw := email.NewMessage().
		InReplyTo("<parent@example.com>").
		References("<root@example.com> <parent@example.com>").
		Bytes()

	msg, err := Parse(raw)
	testutil.MustNoErr(t, err, "parse")
	if msg.InReplyTo != "parent@example.com" {
		t.Errorf("in-reply-to = %q", msg.InReplyTo)
	}
	testutil.AssertStrings(t, msg.References, "root@example.com", "parent@example.com")
}

func TestParseDeliveredToPriority(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "delivered-to only",
			headers: map[string]string{"Delivered-To": "inbox@forwarder.net"},
			want:    "inbox@forwarder.net",
		},
		{
			name: "original-to wins over delivered-to",
			headers: map[string]string{
				"Delivered-To":     "inbox@forwarder.net",
				"X-PM-Original-To": "Me@MyDomain.com",
			},
			want: "me@mydomain.com",
		},
		{
			name: "known-alias wins over delivered-to",
			headers: map[string]string{
				"Delivered-To":     "inbox@forwarder.net",
				"X-PM-Known-Alias": "alias@mydomain.com",
			},
			want: "alias@mydomain.com",
		},
		{
			name:    "absent",
			headers: nil,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := email.NewMessage()
			for k, v := range tt.headers {
				b.Header(k, v)
			}
			msg, err := Parse(b.Bytes())
			testutil.MustNoErr(t, err, "parse")
			if msg.DeliveredTo != tt.want {
				t.Errorf("delivered-to = %q, want %q", msg.DeliveredTo, tt.want)
			}
		})
	}
}

func TestParseKeepsUnlistedHeaders(t *testing.T) {
	raw := email.NewMessage().
		From("sender@example.com").
		Subject("headers").
		Header("X-Mailer", "SuperMailer 1.0").
		Header("X-Spam-Status", "No, score=-1.9").
		Header("Received", "from relay.example.com by mx.example.com").
		Header("DKIM-Signature", "v=1; a=rsa-sha256; d=example.com").
		Body("hi").
		Bytes()

	msg, err := Parse(raw)
	testutil.MustNoErr(t, err, "parse")

	if got := msg.Headers["X-Mailer"]; got != "SuperMailer 1.0" {
		t.Errorf("X-Mailer = %q, want preserved", got)
	}
	if got := msg.Headers["X-Spam-Status"]; got != "No, score=-1.9" {
		t.Errorf("X-Spam-Status = %q, want preserved", got)
	}
	for key := range msg.Headers {
		switch strings.ToLower(key) {
		case "received", "dkim-signature":
			t.Errorf("trace header %q should not be stored", key)
		}
	}
	if msg.Headers["Subject"] != "headers" || msg.Headers["From"] == "" {
		t.Errorf("core headers missing: %+v", msg.Headers)
	}
}

func TestParseAttachments(t *testing.T) {
	raw := email.NewMessage().
		Body("see attached").
		WithAttachment("report.pdf", "application/pdf", []byte("%PDF-1.4")).
		WithInlineImage("logo.png", "image/png", "logo@cid", []byte{0x89, 0x50}).
		Bytes()

	msg, err := Parse(raw)
	testutil.MustNoErr(t, err, "parse")
	if len(msg.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(msg.Attachments))
	}

	byName := map[string]Attachment{}
	for _, a := range msg.Attachments {
		byName[a.Filename] = a
	}
	pdf := byName["report.pdf"]
	if pdf.IsInline || pdf.Size != len("%PDF-1.4") {
		t.Errorf("pdf attachment = %+v", pdf)
	}
	logo := byName["logo.png"]
	if !logo.IsInline || logo.ContentID != "logo@cid" {
		t.Errorf("inline image = %+v", logo)
	}
}

func TestGetBodyTextFallsBackToStrippedHTML(t *testing.T) {
	m := &Message{BodyHTML: "<p>only html</p>"}
	if got := m.GetBodyText(); got != "only html" {
		t.Errorf("GetBodyText() = %q", got)
	}
	m = &Message{BodyText: "plain", BodyHTML: "<p>html</p>"}
	if got := m.GetBodyText(); got != "plain" {
		t.Errorf("GetBodyText() = %q", got)
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello", "Hello"},
		{"Re: Hello", "Hello"},
		{"RE: re: Fwd: Hello", "Hello"},
		{"Fw: budget   update", "budget update"},
		{"AW: Hallo", "Hallo"},
		{"Sv: Hej", "Hej"},
		{"Re[2]: ping", "ping"},
		{"Reference manual", "Reference manual"},
		{"  Re:   spaced  out  ", "spaced out"},
	}
	for _, tt := range tests {
		if got := NormalizeSubject(tt.in); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<a@b>", "a@b"},
		{" <a@b> ", "a@b"},
		{"a@b", "a@b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMessageID(tt.in); got != tt.want {
			t.Errorf("NormalizeMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head>
<body><p>First&nbsp;paragraph</p><p>Second &amp; third</p>
<script>alert(1)</script></body></html>`
	got := StripHTML(in)
	testutil.AssertContainsAll(t, got, []string{"First paragraph", "Second & third"})
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script/style leaked: %q", got)
	}
}

func TestParseDateFormats(t *testing.T) {
	tests := []string{
		"Mon, 05 Jan 2026 12:00:00 +0000",
		"5 Jan 2026 13:00:00 +0100",
		"Mon, 05 Jan 2026 12:00:00 +0000 (UTC)",
		"2026-01-05T12:00:00Z",
	}
	want := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	for _, in := range tests {
		got, err := parseDate(in)
		testutil.MustNoErr(t, err, in)
		if !got.Equal(want) {
			t.Errorf("parseDate(%q) = %v, want %v", in, got, want)
		}
	}
}
