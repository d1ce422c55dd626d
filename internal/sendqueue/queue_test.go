package sendqueue

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/meremail/meremail/internal/smtp"
	"github.com/meremail/meremail/internal/store"
	"github.com/meremail/meremail/internal/testutil"
)

var testNow = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

// fakeSubmitter records submissions and fails on demand.
type fakeSubmitter struct {
	sent    []*smtp.Outgoing
	failErr error
}

func (f *fakeSubmitter) Submit(_ context.Context, out *smtp.Outgoing) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, out)
	return nil
}

func newQueue(t *testing.T, sub *fakeSubmitter) (*Queue, *store.Store) {
	t.Helper()
	st := testutil.NewTestStore(t)
	q := New(st, sub, slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir(),
		"me@example.com", smtp.Address{Name: "Me", Email: "me@example.com"})
	q.now = func() time.Time { return testNow }
	return q, st
}

// seedQueued creates an identity, a thread marked reply-later, and a
// queued reply draft addressed to one recipient.
func seedQueued(t *testing.T, st *store.Store) (msgID, threadID int64) {
	t.Helper()
	me, err := st.EnsureContact("me@example.com", "Me", "", testNow)
	testutil.MustNoErr(t, err, "ensure identity")
	testutil.MustNoErr(t, st.MarkContactMe(me.ID), "mark me")
	peer, err := st.EnsureContact("peer@example.com", "Peer", "", testNow)
	testutil.MustNoErr(t, err, "ensure peer")

	inbox, err := st.GetFolderByName(store.FolderInbox)
	testutil.MustNoErr(t, err, "get inbox")
	th, err := st.CreateThread("Plans", peer.ID, inbox.ID, testNow)
	testutil.MustNoErr(t, err, "create thread")
	testutil.MustNoErr(t, st.SetThreadReplyLater(th.ID, testutil.Time(testNow)), "reply later")

	id, err := st.CreateDraft(&store.Message{
		ThreadID:    sql.NullInt64{Int64: th.ID, Valid: true},
		SenderID:    me.ID,
		Subject:     "Re: Plans",
		ContentText: "Sounds good.",
		ReceivedAt:  testNow,
	}, testNow)
	testutil.MustNoErr(t, err, "create draft")
	testutil.MustNoErr(t, st.AddMessageContact(id, me.ID, store.RoleFrom), "from junction")
	testutil.MustNoErr(t, st.AddMessageContact(id, peer.ID, store.RoleTo), "to junction")
	testutil.MustNoErr(t, st.QueueDraft(id, testNow), "queue draft")
	return id, th.ID
}

func TestProcessOnceSendsAndClearsReplyLater(t *testing.T) {
	sub := &fakeSubmitter{}
	q, st := newQueue(t, sub)
	msgID, threadID := seedQueued(t, st)

	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "process")

	if len(sub.sent) != 1 {
		t.Fatalf("submitted %d messages, want 1", len(sub.sent))
	}
	out := sub.sent[0]
	if out.From.Email != "me@example.com" || len(out.To) != 1 || out.To[0].Email != "peer@example.com" {
		t.Errorf("addressing = %+v", out)
	}
	if out.MessageID == "" || !strings.HasSuffix(out.MessageID, "@example.com") {
		t.Errorf("message id = %q, want hex@example.com", out.MessageID)
	}

	msg, err := st.GetMessage(msgID)
	testutil.MustNoErr(t, err, "reload message")
	if msg.Status != store.StatusSent || msg.SentAt == nil || msg.Folder != store.FolderSent {
		t.Errorf("message after send = %+v", msg)
	}
	if !msg.MessageID.Valid || msg.MessageID.String != out.MessageID {
		t.Errorf("stored message id = %v, want %q", msg.MessageID, out.MessageID)
	}

	th, err := st.GetThread(threadID)
	testutil.MustNoErr(t, err, "reload thread")
	if th.ReplyLaterAt != nil {
		t.Error("reply_later_at should clear once nothing is pending")
	}
}

func TestFailureFollowsBackoffSchedule(t *testing.T) {
	sub := &fakeSubmitter{failErr: errors.New("454 relay refused")}
	q, st := newQueue(t, sub)
	msgID, _ := seedQueued(t, st)

	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "first attempt")
	msg, _ := st.GetMessage(msgID)
	if msg.Status != store.StatusQueued || msg.SendAttempts != 1 {
		t.Fatalf("after failure = %+v", msg)
	}
	if !msg.LastSendError.Valid || msg.LastSendError.String != "454 relay refused" {
		t.Errorf("error = %v, want verbatim relay error", msg.LastSendError)
	}

	// 30 seconds later: inside the 1m backoff, no retry.
	q.now = func() time.Time { return testNow.Add(30 * time.Second) }
	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "early pass")
	msg, _ = st.GetMessage(msgID)
	if msg.SendAttempts != 1 {
		t.Errorf("attempts = %d, retried inside backoff window", msg.SendAttempts)
	}

	// Past the 1m backoff the second attempt runs.
	q.now = func() time.Time { return testNow.Add(2 * time.Minute) }
	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "second attempt")
	msg, _ = st.GetMessage(msgID)
	if msg.SendAttempts != 2 {
		t.Errorf("attempts = %d, want 2", msg.SendAttempts)
	}

	// Recovery after the relay comes back.
	sub.failErr = nil
	q.now = func() time.Time { return testNow.Add(10 * time.Minute) }
	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "recovery")
	msg, _ = st.GetMessage(msgID)
	if msg.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", msg.Status)
	}
	if msg.LastSendError.Valid {
		t.Error("send error should clear on success")
	}
}

func TestFifthFailureParksMessage(t *testing.T) {
	sub := &fakeSubmitter{failErr: errors.New("550 rejected")}
	q, st := newQueue(t, sub)
	msgID, _ := seedQueued(t, st)

	clock := testNow
	for i := 0; i < 5; i++ {
		q.now = func() time.Time { return clock }
		testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "attempt pass")
		clock = clock.Add(5 * time.Hour)
	}

	msg, _ := st.GetMessage(msgID)
	if msg.SendAttempts != 5 || msg.Status != store.StatusQueued {
		t.Fatalf("after five failures = %+v", msg)
	}

	// Parked: even far in the future nothing more happens until the
	// draft is requeued.
	q.now = func() time.Time { return testNow.Add(100 * time.Hour) }
	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "parked pass")
	msg, _ = st.GetMessage(msgID)
	if msg.SendAttempts != 5 {
		t.Errorf("attempts = %d, parked message was retried", msg.SendAttempts)
	}

	sub.failErr = nil
	testutil.MustNoErr(t, st.RequeueMessage(msgID, testNow.Add(101*time.Hour)), "requeue")
	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "after requeue")
	msg, _ = st.GetMessage(msgID)
	if msg.Status != store.StatusSent {
		t.Errorf("status = %s, want sent after requeue", msg.Status)
	}
}

func TestReplyQuoting(t *testing.T) {
	sub := &fakeSubmitter{}
	q, st := newQueue(t, sub)

	me, err := st.EnsureContact("me@example.com", "Me", "", testNow)
	testutil.MustNoErr(t, err, "ensure identity")
	peer, err := st.EnsureContact("peer@example.com", "Peer", "", testNow)
	testutil.MustNoErr(t, err, "ensure peer")
	inbox, err := st.GetFolderByName(store.FolderInbox)
	testutil.MustNoErr(t, err, "get inbox")
	th, err := st.CreateThread("Plans", peer.ID, inbox.ID, testNow)
	testutil.MustNoErr(t, err, "create thread")

	origAt := testNow.Add(-24 * time.Hour)
	_, err = st.InsertMessage(&store.Message{
		ThreadID:    sql.NullInt64{Int64: th.ID, Valid: true},
		SenderID:    peer.ID,
		MessageID:   sql.NullString{String: "orig-1@peer", Valid: true},
		Subject:     "Plans",
		ContentText: "Friday works.\nSee you then.",
		ContentHTML: sql.NullString{String: "<p>Friday works.</p>", Valid: true},
		ReceivedAt:  origAt,
		SentAt:      testutil.Time(origAt),
		Status:      store.StatusReceived,
		Folder:      store.FolderInbox,
	})
	testutil.MustNoErr(t, err, "insert original")

	msgID, err := st.CreateDraft(&store.Message{
		ThreadID:    sql.NullInt64{Int64: th.ID, Valid: true},
		SenderID:    me.ID,
		InReplyTo:   sql.NullString{String: "orig-1@peer", Valid: true},
		Subject:     "Re: Plans",
		ContentText: "Sounds good.",
		ReceivedAt:  testNow,
	}, testNow)
	testutil.MustNoErr(t, err, "create reply draft")
	testutil.MustNoErr(t, st.AddMessageContact(msgID, peer.ID, store.RoleTo), "to junction")
	testutil.MustNoErr(t, st.QueueDraft(msgID, testNow), "queue")

	testutil.MustNoErr(t, q.ProcessOnce(context.Background()), "process")
	if len(sub.sent) != 1 {
		t.Fatalf("submitted %d, want 1", len(sub.sent))
	}
	out := sub.sent[0]
	if out.InReplyTo != "orig-1@peer" {
		t.Errorf("in-reply-to = %q", out.InReplyTo)
	}
	testutil.AssertContainsAll(t, out.TextBody, []string{
		"Sounds good.",
		"Peer <peer@example.com> wrote:",
		"> Friday works.",
		"> See you then.",
	})
	testutil.AssertContainsAll(t, out.HTMLBody, []string{
		"<div>Sounds good.</div>",
		"Peer &lt;peer@example.com&gt; wrote:",
		"<blockquote type=\"cite\"><p>Friday works.</p></blockquote>",
	})
}
