package rules_test

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meremail/meremail/internal/rules"
	"github.com/meremail/meremail/internal/store"
	"github.com/meremail/meremail/internal/testutil"
)

var testNow = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedThreadWithMessage(t *testing.T, st *store.Store, subject, senderEmail, messageID string) int64 {
	t.Helper()
	sender, err := st.EnsureContact(senderEmail, "", "", testNow)
	testutil.MustNoErr(t, err, "ensure sender")
	inbox, err := st.GetFolderByName(store.FolderInbox)
	testutil.MustNoErr(t, err, "get inbox")
	th, err := st.CreateThread(subject, sender.ID, inbox.ID, testNow)
	testutil.MustNoErr(t, err, "create thread")
	_, err = st.InsertMessage(&store.Message{
		ThreadID:   sql.NullInt64{Int64: th.ID, Valid: true},
		SenderID:   sender.ID,
		MessageID:  sql.NullString{String: messageID, Valid: true},
		Subject:    subject,
		ReceivedAt: testNow,
		SentAt:     testutil.Time(testNow),
		Status:     store.StatusReceived,
		Folder:     store.FolderInbox,
	})
	testutil.MustNoErr(t, err, "insert message")
	return th.ID
}

func TestMatchHonorsOrderAndFolderRestriction(t *testing.T) {
	st := testutil.NewTestStore(t)

	_, err := st.CreateRule(&store.Rule{
		Name:       "disabled first",
		Conditions: []byte(`{"field":"sender_email","match_type":"contains","value":"@"}`),
		ActionType: store.ActionMarkRead,
		Enabled:    false,
	}, testNow)
	testutil.MustNoErr(t, err, "create disabled rule")

	restricted, err := st.CreateRule(&store.Rule{
		Name:       "folder restricted",
		Conditions: []byte(`{"field":"sender_email","match_type":"contains","value":"@"}`),
		ActionType: store.ActionMarkRead,
		FolderIDs:  []int64{999},
		Enabled:    true,
	}, testNow)
	testutil.MustNoErr(t, err, "create restricted rule")

	catchAll, err := st.CreateRule(&store.Rule{
		Name:       "catch all",
		Conditions: []byte(`{"field":"sender_email","match_type":"contains","value":"@"}`),
		ActionType: store.ActionMarkRead,
		Enabled:    true,
	}, testNow)
	testutil.MustNoErr(t, err, "create catch-all rule")

	ruleSet, err := st.ListRules()
	testutil.MustNoErr(t, err, "list rules")

	got := rules.Match(ruleSet, &rules.Context{SenderEmail: "a@b.c", FolderID: 1})
	if got == nil || got.ID != catchAll.ID {
		t.Fatalf("matched %+v, want catch-all", got)
	}

	// With the restricted folder targeted, the restricted rule wins on
	// position.
	got = rules.Match(ruleSet, &rules.Context{SenderEmail: "a@b.c", FolderID: 999})
	if got == nil || got.ID != restricted.ID {
		t.Fatalf("matched %+v, want restricted rule", got)
	}
}

func TestApplierActions(t *testing.T) {
	st := testutil.NewTestStore(t)
	applier := rules.NewApplier(st, discardLogger())

	threadID := seedThreadWithMessage(t, st, "S", "a@example.com", "<apply-1@x>")

	junk, err := st.GetFolderByName(store.FolderJunk)
	testutil.MustNoErr(t, err, "get junk")
	moveRule := &store.Rule{
		ID:           1,
		ActionType:   store.ActionMoveToFolder,
		ActionConfig: []byte(fmt.Sprintf(`{"folder_id":%d}`, junk.ID)),
	}
	testutil.MustNoErr(t, applier.Apply(moveRule, threadID, 0, testNow), "move action")
	th, _ := st.GetThread(threadID)
	if th.FolderID != junk.ID {
		t.Errorf("folder = %d, want %d", th.FolderID, junk.ID)
	}

	testutil.MustNoErr(t,
		applier.Apply(&store.Rule{ActionType: store.ActionAddToReplyLater}, threadID, 0, testNow),
		"reply later action")
	th, _ = st.GetThread(threadID)
	if th.ReplyLaterAt == nil {
		t.Error("reply_later_at not set")
	}

	testutil.MustNoErr(t,
		applier.Apply(&store.Rule{ActionType: store.ActionDeleteThread}, threadID, 0, testNow),
		"delete action")
	th, _ = st.GetThread(threadID)
	trash, _ := st.GetFolderByName(store.FolderTrash)
	if th.FolderID != trash.ID || th.TrashedAt == nil {
		t.Errorf("thread not trashed: %+v", th)
	}
	msgs, _ := st.ListThreadMessages(threadID)
	if msgs[0].ReadAt == nil {
		t.Error("delete action should mark the thread read")
	}
}

func TestRetroactiveApplication(t *testing.T) {
	st := testutil.NewTestStore(t)

	// 120 threads, 30 of them from the newsletter sender, spread so the
	// walk crosses a batch boundary.
	for i := 0; i < 120; i++ {
		sender := fmt.Sprintf("person%d@example.com", i)
		if i%4 == 0 {
			sender = fmt.Sprintf("newsletter@foo%d.com", i)
		}
		seedThreadWithMessage(t, st, fmt.Sprintf("Thread %d", i), sender,
			fmt.Sprintf("<retro-%d@x>", i))
	}

	rule, err := st.CreateRule(&store.Rule{
		Name:       "file newsletters",
		Conditions: []byte(`{"field":"sender_email","match_type":"contains","value":"newsletter@"}`),
		ActionType: store.ActionMarkRead,
		Enabled:    true,
	}, testNow)
	testutil.MustNoErr(t, err, "create rule")

	runner := rules.NewRunner(st, discardLogger())
	app, err := runner.Start(rule.ID)
	testutil.MustNoErr(t, err, "start application")

	deadline := time.Now().Add(10 * time.Second)
	var final *store.RuleApplication
	for time.Now().Before(deadline) {
		final, err = st.GetRuleApplication(app.ID)
		testutil.MustNoErr(t, err, "poll application")
		if final.Status == store.ApplicationCompleted || final.Status == store.ApplicationFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if final.Status != store.ApplicationCompleted {
		t.Fatalf("application = %+v", final)
	}
	if final.TotalCount != 120 || final.ProcessedCount != 120 {
		t.Errorf("counts = total %d processed %d, want 120/120", final.TotalCount, final.ProcessedCount)
	}
	if final.MatchedCount != 30 {
		t.Errorf("matched = %d, want 30", final.MatchedCount)
	}

	// Every matched thread reflects the action.
	rows, err := st.DB().Query(`
		SELECT COUNT(*) FROM messages m
		JOIN contacts c ON c.id = m.sender_id
		WHERE c.email LIKE 'newsletter@%' AND m.read_at IS NULL
	`)
	testutil.MustNoErr(t, err, "verify query")
	defer rows.Close()
	rows.Next()
	var unread int
	testutil.MustNoErr(t, rows.Scan(&unread), "scan")
	if unread != 0 {
		t.Errorf("%d matched messages still unread", unread)
	}
}

func TestRetroactiveApplicationFailsOnBadConditions(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedThreadWithMessage(t, st, "S", "a@example.com", "<bad-1@x>")

	rule, err := st.CreateRule(&store.Rule{
		Name:       "broken",
		Conditions: []byte(`{invalid json`),
		ActionType: store.ActionMarkRead,
		Enabled:    true,
	}, testNow)
	testutil.MustNoErr(t, err, "create rule")

	runner := rules.NewRunner(st, discardLogger())
	app, err := runner.Start(rule.ID)
	testutil.MustNoErr(t, err, "start application")

	deadline := time.Now().Add(5 * time.Second)
	var final *store.RuleApplication
	for time.Now().Before(deadline) {
		final, _ = st.GetRuleApplication(app.ID)
		if final.Status == store.ApplicationFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final.Status != store.ApplicationFailed || !final.Error.Valid {
		t.Fatalf("application = %+v, want failed with error", final)
	}
}
