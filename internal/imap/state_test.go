package imap

import (
	"testing"
	"time"

	"github.com/meremail/meremail/internal/testutil"
)

func TestSyncStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fallback := time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)

	st, err := LoadSyncState(dir)
	testutil.MustNoErr(t, err, "load empty state")
	if got := st.Watermark("Sent", fallback); !got.Equal(fallback) {
		t.Errorf("fresh watermark = %v, want fallback %v", got, fallback)
	}

	mark := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	testutil.MustNoErr(t, st.Advance("Sent", mark), "advance")

	reloaded, err := LoadSyncState(dir)
	testutil.MustNoErr(t, err, "reload state")
	if got := reloaded.Watermark("Sent", fallback); !got.Equal(mark) {
		t.Errorf("reloaded watermark = %v, want %v", got, mark)
	}
	if got := reloaded.Watermark("Junk", fallback); !got.Equal(fallback) {
		t.Errorf("unknown folder watermark = %v, want fallback", got)
	}
}

func TestSyncStateNeverMovesBackwards(t *testing.T) {
	st, err := LoadSyncState(t.TempDir())
	testutil.MustNoErr(t, err, "load state")

	newer := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)
	testutil.MustNoErr(t, st.Advance("Junk", newer), "advance newer")
	testutil.MustNoErr(t, st.Advance("Junk", older), "advance older")

	if got := st.Watermark("Junk", time.Time{}); !got.Equal(newer) {
		t.Errorf("watermark = %v, want %v", got, newer)
	}
}

func TestSelectAuxiliary(t *testing.T) {
	names := []string{
		"INBOX", "Sent", "Drafts", "Junk", "[Gmail]/Spam",
		"[Gmail]/Sent Mail", "Archive", "Receipts",
	}
	got := SelectAuxiliary(names)
	testutil.AssertStrings(t, got, "Sent", "Junk", "[Gmail]/Spam", "[Gmail]/Sent Mail")
}

func TestBackoffDoublesAndResets(t *testing.T) {
	bo := newBackoff(5*time.Second, 5*time.Minute)

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 160 * time.Second,
		5 * time.Minute, 5 * time.Minute,
	}
	for i, w := range want {
		if got := bo.Next(); got != w {
			t.Errorf("step %d = %v, want %v", i, got, w)
		}
	}

	bo.Reset()
	if got := bo.Next(); got != 5*time.Second {
		t.Errorf("after reset = %v, want 5s", got)
	}
}
